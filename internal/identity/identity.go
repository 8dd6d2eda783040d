// Package identity picks which of an account's addresses a reply should come from.
package identity

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// DeliveredToHeaders lists the headers that may carry the address a message
// was actually delivered to, highest priority first.
var DeliveredToHeaders = []string{
	"Delivered-To",
	"X-Original-To",
	"Envelope-To",
	"X-Envelope-To",
	"X-Google-Original-To",
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizePlus returns the lower-cased address and its form without a
// "+tag" in the local part. Both are equal when there is no tag.
func NormalizePlus(addr string) (raw, base string) {
	raw = normalize(addr)
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw, raw
	}
	local, domain := raw[:at], raw[at+1:]
	plus := strings.Index(local, "+")
	if plus < 0 {
		return raw, raw
	}
	return raw, local[:plus] + "@" + domain
}

// DeliveredTo extracts delivered-to candidates from h in header priority
// order, lower-cased and without duplicates.
func DeliveredTo(h mail.Header) []string {
	seen := make(map[string]bool)
	var out []string

	for _, key := range DeliveredToHeaders {
		fields := h.FieldsByKey(key)
		for fields.Next() {
			for _, addr := range parseLoose(fields.Value()) {
				addr = normalize(addr)
				if addr == "" || seen[addr] {
					continue
				}
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}

// parseLoose accepts both RFC 5322 lists and the bare addresses some MTAs write.
func parseLoose(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.Trim(strings.TrimSpace(part), "<>")
		if strings.Contains(part, "@") {
			out = append(out, part)
		}
	}
	return out
}

// ChooseRecommendedFrom returns the first candidate that is one of
// identities, either as-is or with its plus tag stripped. Without a match it
// returns the normalized default.
func ChooseRecommendedFrom(candidates, identities []string, defaultFrom string) string {
	known := make(map[string]bool, len(identities))
	for _, id := range identities {
		known[normalize(id)] = true
	}

	for _, c := range candidates {
		raw, base := NormalizePlus(c)
		if known[raw] {
			return raw
		}
		if known[base] {
			return base
		}
	}
	return normalize(defaultFrom)
}

// Suggest returns an address worth adding as an alias, or "" when every
// candidate is already covered. For a plus address the base is suggested.
func Suggest(candidates, identities []string) string {
	known := make(map[string]bool, len(identities))
	for _, id := range identities {
		known[normalize(id)] = true
	}

	for _, c := range candidates {
		raw, base := NormalizePlus(c)
		if raw != base {
			if !known[base] {
				return base
			}
			continue
		}
		if raw != "" && !known[raw] {
			return raw
		}
	}
	return ""
}

// Bare returns the lower-cased address of a "Name <addr>" or plain address string.
func Bare(addr string) string {
	if list := parseLoose(addr); len(list) > 0 {
		return normalize(list[0])
	}
	return normalize(addr)
}
