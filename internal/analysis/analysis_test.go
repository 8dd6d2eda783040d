package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vbridge/internal/apperr"
)

type fakeClient struct {
	mu        sync.Mutex
	responses map[string]func() (string, error)
	calls     map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[string]func() (string, error)),
		calls:     make(map[string]int),
	}
}

func (f *fakeClient) Complete(_ context.Context, model, _ string) (string, error) {
	f.mu.Lock()
	f.calls[model]++
	fn := f.responses[model]
	f.mu.Unlock()
	if fn == nil {
		return "", errors.New("unknown model")
	}
	return fn()
}

func (f *fakeClient) count(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[model]
}

func TestOpenAIClientComplete(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"summary\":\"hi\"}"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL+"/v1/", "sk-test", "be brief", 5*time.Second)
	content, err := client.Complete(context.Background(), "gpt-test", "hello")
	require.NoError(t, err)

	assert.Equal(t, `{"summary":"hi"}`, content)
	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, "hello", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenAIClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"message":"rate limited","type":"requests"}}`, "returned 429: rate limited"},
		{"non json error", http.StatusBadGateway, `upstream down`, "returned 502: upstream down"},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrEmptyCompletion.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewOpenAIClient(server.URL, "", "", time.Second)
			_, err := client.Complete(context.Background(), "m", "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		summary   string
		label     string
		linkCount int
	}{
		{name: "plain", content: `{"summary":"- pay invoice","label":"invoice","urls":[{"caption":"Pay","link":"https://pay.example"}]}`, summary: "- pay invoice", label: "invoice", linkCount: 1},
		{name: "wrapped", content: `{"result":{"summary":"s","urls":[]}}`, summary: "s"},
		{name: "fenced", content: "```json\n{\"summary\":\"s\"}\n```", summary: "s"},
		{name: "links capped", content: `{"summary":"s","urls":[{"link":"a"},{"link":"b"},{"link":"c"},{"link":"d"},{"link":"e"},{"link":"f"}]}`, summary: "s", linkCount: 5},
		{name: "empty link dropped", content: `{"summary":"s","urls":[{"caption":"x","link":" "}]}`, summary: "s"},
		{name: "missing summary", content: `{"urls":[]}`, wantErr: true},
		{name: "not json", content: `Sure! Here is the summary`, wantErr: true},
		{name: "bad urls", content: `{"summary":"s","urls":"none"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseResult(tt.content)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedResult)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.summary, result.Summary)
			assert.Equal(t, tt.label, result.Label)
			assert.Len(t, result.Links, tt.linkCount)
		})
	}
}

func TestAnalyzeFallsBackToNextModel(t *testing.T) {
	client := newFakeClient()
	client.responses["broken"] = func() (string, error) { return "", errors.New("boom") }
	client.responses["garbled"] = func() (string, error) { return "not json", nil }
	client.responses["good"] = func() (string, error) { return `{"summary":"ok","urls":[]}`, nil }

	analyzer := NewAnalyzer(client, time.Second, zerolog.Nop())
	result, err := analyzer.Analyze(context.Background(), []string{"broken", " ", "garbled", "good"}, "text")
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Summary)
	assert.Equal(t, "good", result.Model)
	assert.Equal(t, 1, client.count("broken"))
	assert.Equal(t, 1, client.count("garbled"))
}

func TestAnalyzeAllModelsFail(t *testing.T) {
	client := newFakeClient()
	client.responses["a"] = func() (string, error) { return "", errors.New("down") }

	analyzer := NewAnalyzer(client, time.Second, zerolog.Nop())
	_, err := analyzer.Analyze(context.Background(), []string{"a", "b"}, "text")

	var analysisErr *apperr.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Len(t, analysisErr.Attempts, 2)
	assert.Contains(t, analysisErr.Attempts["a"].Error(), "down")
}

func TestAnalyzeNoModels(t *testing.T) {
	analyzer := NewAnalyzer(newFakeClient(), time.Second, zerolog.Nop())
	_, err := analyzer.Analyze(context.Background(), nil, "text")

	var analysisErr *apperr.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Empty(t, analysisErr.Attempts)
}

func TestAnalyzeBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := newFakeClient()
	client.responses["flaky"] = func() (string, error) { return "", errors.New("timeout") }

	analyzer := NewAnalyzer(client, time.Second, zerolog.Nop())
	for i := 0; i < 3; i++ {
		_, err := analyzer.Analyze(context.Background(), []string{"flaky"}, "text")
		require.Error(t, err)
	}
	assert.Equal(t, 3, client.count("flaky"))

	_, err := analyzer.Analyze(context.Background(), []string{"flaky"}, "text")
	var analysisErr *apperr.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.ErrorIs(t, analysisErr.Attempts["flaky"], gobreaker.ErrOpenState)
	assert.Equal(t, 3, client.count("flaky"), "open breaker must not call the model")
}

func TestAnalyzeAppliesTimeout(t *testing.T) {
	blocking := ClientFunc(func(ctx context.Context, model, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	analyzer := NewAnalyzer(blocking, 20*time.Millisecond, zerolog.Nop())
	start := time.Now()
	_, err := analyzer.Analyze(context.Background(), []string{"slow"}, "text")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
