package ingest

import (
	"fmt"
	"mime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/platform"
)

// DefaultTextLimit is the longest text post, in runes.
const DefaultTextLimit = 4000

const (
	ellipsis     = "…"
	maxSlugRunes = 60
)

// HeaderBlock renders the From/To/Cc/Date/Subject lines shown above the body.
func HeaderBlock(rec *models.MessageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", rec.From)
	if len(rec.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(rec.To, ", "))
	}
	if len(rec.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(rec.Cc, ", "))
	}
	if !rec.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", rec.Date.Format("Mon, 02 Jan 2006 15:04 -0700"))
	}
	subject := rec.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fmt.Fprintf(&b, "Subject: %s", subject)
	return b.String()
}

// Format builds the posts for one message: the text post first, then the
// full body as a file when needed, then attachments.
func Format(rec *models.MessageRecord, env *enmime.Envelope, textLimit int) platform.Delivery {
	if textLimit <= 0 {
		textLimit = DefaultTextLimit
	}

	body := strings.TrimSpace(rec.BodyText)
	text := HeaderBlock(rec)
	if body != "" {
		text += "\n\n" + body
	}
	text, truncated := Truncate(text, textLimit)

	delivery := platform.Delivery{Posts: []platform.Post{platform.TextPost(text)}}
	names := newNameSet()
	slug := Slug(rec.Subject)

	html := rec.BodyHTML
	var inlineFiles []platform.Post
	if env != nil {
		for i, part := range env.Inlines {
			name := names.add(partName(part, fmt.Sprintf("inline-%d", i+1)))
			if cid := strings.Trim(part.ContentID, "<>"); cid != "" && html != "" {
				html = strings.ReplaceAll(html, "cid:"+cid, name)
			}
			inlineFiles = append(inlineFiles, platform.FilePost(name, part.ContentType, part.Content))
		}
	}

	switch {
	case html != "":
		delivery.Posts = append(delivery.Posts, platform.FilePost(names.add(slug+".html"), "text/html; charset=utf-8", []byte(html)))
	case truncated:
		delivery.Posts = append(delivery.Posts, platform.FilePost(names.add(slug+".txt"), "text/plain; charset=utf-8", []byte(rec.BodyText)))
	}

	if env != nil {
		for i, part := range env.Attachments {
			name := names.add(partName(part, fmt.Sprintf("attachment-%d", i+1)))
			delivery.Posts = append(delivery.Posts, platform.FilePost(name, part.ContentType, part.Content))
		}
	}
	delivery.Posts = append(delivery.Posts, inlineFiles...)

	return delivery
}

// SummaryText renders an analysis result as a text post.
func SummaryText(res *models.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("Summary")
	if res.Label != "" {
		fmt.Fprintf(&b, " [%s]", res.Label)
	}
	b.WriteString(":\n")
	b.WriteString(res.Summary)
	if len(res.Links) > 0 {
		b.WriteString("\n\nLinks:")
		for _, l := range res.Links {
			fmt.Fprintf(&b, "\n- %s: %s", l.Caption, l.URL)
		}
	}
	return b.String()
}

// Truncate cuts s to limit runes, ending with an ellipsis when cut.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	r := []rune(s)
	return strings.TrimRightFunc(string(r[:limit-1]), unicode.IsSpace) + ellipsis, true
}

// Slug makes a file-name-safe, lower-case version of a subject.
func Slug(subject string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(subject) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if utf8.RuneCountInString(slug) > maxSlugRunes {
		slug = strings.Trim(string([]rune(slug)[:maxSlugRunes]), "-")
	}
	if slug == "" {
		return "message"
	}
	return slug
}

func partName(part *enmime.Part, fallback string) string {
	if name := strings.TrimSpace(part.FileName); name != "" {
		return name
	}
	if exts, err := mime.ExtensionsByType(part.ContentType); err == nil && len(exts) > 0 {
		return fallback + exts[0]
	}
	return fallback
}

// nameSet keeps file names unique within one delivery.
type nameSet map[string]int

func newNameSet() nameSet { return make(nameSet) }

func (s nameSet) add(name string) string {
	key := strings.ToLower(name)
	n := s[key]
	s[key] = n + 1
	if n == 0 {
		return name
	}

	ext := ""
	base := name
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		base, ext = name[:dot], name[dot:]
	}
	unique := fmt.Sprintf("%s-%d%s", base, n+1, ext)
	s[strings.ToLower(unique)]++
	return unique
}
