// Package signature manages per-account signature sets.
package signature

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/vdavid/vbridge/internal/models"
)

// Separator goes between the body and the signature.
const Separator = "\n\n-- \n"

const defaultName = "Default"

// Normalize drops empty items, fills missing names, makes ids unique and
// points Default at an existing item.
func Normalize(set models.SignatureSet) models.SignatureSet {
	out := models.SignatureSet{Version: 1}
	seen := make(map[string]bool)

	for _, item := range set.Items {
		item.Markdown = strings.TrimSpace(item.Markdown)
		if item.Markdown == "" {
			continue
		}
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" || seen[item.ID] {
			item.ID = newID(seen)
		}
		item.Name = strings.TrimSpace(item.Name)
		if item.Name == "" {
			item.Name = defaultName
		}
		seen[item.ID] = true
		out.Items = append(out.Items, item)
	}

	if len(out.Items) == 0 {
		return out
	}
	out.Default = set.Default
	if !seen[out.Default] {
		out.Default = out.Items[0].ID
	}
	return out
}

// Add appends a signature and returns the new set with the item's id.
// The first signature becomes the default.
func Add(set models.SignatureSet, name, markdown string) (models.SignatureSet, string) {
	set = Normalize(set)
	seen := make(map[string]bool, len(set.Items))
	for _, item := range set.Items {
		seen[item.ID] = true
	}
	id := newID(seen)
	set.Items = append(set.Items, models.SignatureItem{ID: id, Name: name, Markdown: markdown})
	if set.Default == "" {
		set.Default = id
	}
	return Normalize(set), id
}

// Find returns the item with id.
func Find(set models.SignatureSet, id string) (models.SignatureItem, bool) {
	for _, item := range set.Items {
		if item.ID == id {
			return item, true
		}
	}
	return models.SignatureItem{}, false
}

// Resolve returns the markdown selected by policy, or "" for none. An
// explicit id that no longer exists falls back to the default.
func Resolve(set models.SignatureSet, policy models.SignaturePolicy) string {
	set = Normalize(set)
	switch policy.Mode {
	case models.SignatureNone:
		return ""
	case models.SignatureExplicit:
		if item, ok := Find(set, policy.ID); ok {
			return item.Markdown
		}
	}
	if item, ok := Find(set, set.Default); ok {
		return item.Markdown
	}
	return ""
}

// Append joins body and sig with the signature separator.
func Append(body, sig string) string {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return body
	}
	body = strings.TrimRight(body, " \t\r\n")
	if body == "" {
		return "-- \n" + sig
	}
	return body + Separator + sig
}

func newID(taken map[string]bool) string {
	buf := make([]byte, 4)
	for {
		_, _ = rand.Read(buf)
		id := hex.EncodeToString(buf)
		if !taken[id] {
			return id
		}
	}
}
