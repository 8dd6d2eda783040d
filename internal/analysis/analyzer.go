package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/models"
)

// Instructions is the system prompt for summarization requests.
const Instructions = `You summarize emails into a single JSON object and return nothing else.

Keys:
- "summary": the main purpose, key facts, actions required from the recipient and any deadlines, as short lines each starting with "- ". Plain text, at most 1000 characters.
- "label": one or two words that categorize the email (for example "invoice", "newsletter", "meeting").
- "urls": up to 5 objects {"caption": "...", "link": "..."} for links that matter to the summary or to unsubscribing. Captions are at most 20 characters. Use [] when there are none. Never list image URLs.`

const (
	maxLinks       = 5
	maxCaptionRune = 20
)

// ErrMalformedResult is returned when a model answers with something other
// than the expected JSON object.
var ErrMalformedResult = errors.New("malformed analysis result")

// Analyzer tries models in order until one returns a usable summary. Each
// model sits behind its own circuit breaker so a failing model is skipped
// quickly on later messages.
type Analyzer struct {
	client  Client
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewAnalyzer(client Client, timeout time.Duration, log zerolog.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Analyzer{
		client:   client,
		timeout:  timeout,
		log:      log.With().Str("component", "analysis").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (a *Analyzer) breaker(model string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cb, ok := a.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "analysis:" + model,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("analysis circuit breaker state changed")
		},
	})
	a.breakers[model] = cb
	return cb
}

// Analyze returns the first well-formed result. When every model fails the
// error is an *apperr.AnalysisError holding each model's cause.
func (a *Analyzer) Analyze(ctx context.Context, modelNames []string, text string) (*models.AnalysisResult, error) {
	attempts := make(map[string]error)

	for _, model := range modelNames {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			attempts[model] = err
			break
		}

		out, err := a.breaker(model).Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			content, err := a.client.Complete(callCtx, model, Prompt(text))
			if err != nil {
				return nil, err
			}
			return ParseResult(content)
		})
		if err != nil {
			a.log.Debug().Err(err).Str("model", model).Msg("analysis model failed")
			attempts[model] = err
			continue
		}

		result := out.(*models.AnalysisResult)
		result.Model = model
		return result, nil
	}

	return nil, &apperr.AnalysisError{Attempts: attempts}
}

// Prompt wraps the message text for the user turn.
func Prompt(text string) string {
	return "Summarize this email according to the instructions:\n\n" + text
}

// ParseResult decodes a model answer. A single wrapping key around the
// expected object is tolerated, as are markdown code fences.
func ParseResult(content string) (*models.AnalysisResult, error) {
	content = stripFences(content)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	if _, ok := raw["summary"]; !ok && len(raw) == 1 {
		for _, inner := range raw {
			var unwrapped map[string]json.RawMessage
			if err := json.Unmarshal(inner, &unwrapped); err == nil {
				raw = unwrapped
			}
		}
	}

	var summary string
	if err := json.Unmarshal(raw["summary"], &summary); err != nil || strings.TrimSpace(summary) == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrMalformedResult)
	}

	result := &models.AnalysisResult{Summary: strings.TrimSpace(summary)}

	if labelRaw, ok := raw["label"]; ok {
		var label string
		if json.Unmarshal(labelRaw, &label) == nil {
			result.Label = strings.TrimSpace(label)
		}
	}

	if urlsRaw, ok := raw["urls"]; ok {
		var links []models.Link
		if err := json.Unmarshal(urlsRaw, &links); err != nil {
			return nil, fmt.Errorf("%w: urls: %v", ErrMalformedResult, err)
		}
		for _, l := range links {
			l.URL = strings.TrimSpace(l.URL)
			if l.URL == "" {
				continue
			}
			l.Caption = clipRunes(strings.TrimSpace(l.Caption), maxCaptionRune)
			if l.Caption == "" {
				l.Caption = l.URL
			}
			result.Links = append(result.Links, l)
			if len(result.Links) == maxLinks {
				break
			}
		}
	}

	return result, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
