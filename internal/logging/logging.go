package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format is "console" or "json".
func New(level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// MaskEmail keeps the first and last character of each address part.
// "alice@example.com" becomes "a***e@e*****e.c*m".
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}

	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
	}

	domainParts := strings.Split(s[at+1:], ".")
	for i, p := range domainParts {
		domainParts[i] = mask(p)
	}
	return mask(s[:at]) + "@" + strings.Join(domainParts, ".")
}

// MaskEmails masks every address in the list.
func MaskEmails(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = MaskEmail(s)
	}
	return out
}
