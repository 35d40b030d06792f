package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContent_StrictJSON(t *testing.T) {
	tests := []struct {
		name           string
		content        string
		wantLabel      Label
		wantConfidence float64
	}{
		{"call", `{"classification": "CALL", "confidence": 0.92}`, LabelCall, 0.92},
		{"warning", `{"classification": "WARNING", "confidence": 0.7}`, LabelWarning, 0.7},
		{"exit", `{"classification": "EXIT", "confidence": 0.8}`, LabelExit, 0.8},
		{"spam", `{"classification": "SPAM", "confidence": 0.99}`, LabelSpam, 0.99},
		{"lowercase label normalized", `{"classification": "call", "confidence": 0.9}`, LabelCall, 0.9},
		{"missing confidence defaults", `{"classification": "CALL"}`, LabelCall, 0.5},
		{"confidence clamped high", `{"classification": "CALL", "confidence": 1.5}`, LabelCall, 1},
		{"confidence clamped low", `{"classification": "EXIT", "confidence": -0.2}`, LabelExit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContent(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, got.Label)
			assert.InDelta(t, tt.wantConfidence, got.Confidence, 1e-9)
		})
	}
}

func TestParseContent_UnknownLabelInValidJSON(t *testing.T) {
	_, err := parseContent(`{"classification": "MAYBE", "confidence": 0.9}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestParseContent_FallbackScan(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantLabel Label
	}{
		{"plain word", "This is definitely a CALL, ape in", LabelCall},
		{"lowercase", "looks like a warning to me", LabelWarning},
		{"exit in prose", "I'd exit here honestly", LabelExit},
		{"call wins over spam when both appear", "CALL but maybe SPAM", LabelCall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContent(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, got.Label)
			assert.InDelta(t, 0.6, got.Confidence, 1e-9)
		})
	}
}

func TestParseContent_Unparseable(t *testing.T) {
	for _, content := range []string{"", "no labels anywhere", "{}", `{"confidence": 0.9}`} {
		_, err := parseContent(content)
		assert.ErrorIs(t, err, ErrUnparseable, "content %q", content)
	}
}

func TestClassify_ShortMessageIsSpamWithoutNetwork(t *testing.T) {
	// URL points nowhere; a network call would fail the test.
	c := New(Config{URL: "http://127.0.0.1:1", MinLength: 10})
	defer c.Close()

	got, err := c.Classify(context.Background(), "gm")
	require.NoError(t, err)
	assert.Equal(t, LabelSpam, got.Label)
	assert.InDelta(t, 0.99, got.Confidence, 1e-9)

	// Whitespace padding does not rescue a short message.
	got, err = c.Classify(context.Background(), "   gm    ")
	require.NoError(t, err)
	assert.Equal(t, LabelSpam, got.Label)
}

func completionServer(t *testing.T, content string, gotBody *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if gotBody != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(gotBody))
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClassify_RoundTrip(t *testing.T) {
	var req chatRequest
	srv := completionServer(t, `{"classification": "CALL", "confidence": 0.92}`, &req)
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "test-key"})
	defer c.Close()

	got, err := c.Classify(context.Background(), "ape into this token right now, it is pumping")
	require.NoError(t, err)
	assert.Equal(t, LabelCall, got.Label)
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestClassify_TruncatesLongInput(t *testing.T) {
	var req chatRequest
	srv := completionServer(t, `{"classification": "SPAM", "confidence": 0.9}`, &req)
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "test-key", MaxChars: 100})
	defer c.Close()

	_, err := c.Classify(context.Background(), strings.Repeat("x", 500))
	require.NoError(t, err)
	assert.Len(t, req.Messages[1].Content, 100)
}

func TestClassify_TruncatesOnRuneBoundary(t *testing.T) {
	var req chatRequest
	srv := completionServer(t, `{"classification": "SPAM", "confidence": 0.9}`, &req)
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "test-key", MaxChars: 100})
	defer c.Close()

	// Each rune is multiple bytes; a byte-index cut would land mid-character.
	_, err := c.Classify(context.Background(), strings.Repeat("ж", 50)+strings.Repeat("🚀", 200))
	require.NoError(t, err)

	got := req.Messages[1].Content
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 100, utf8.RuneCountInString(got))
}

func TestClassify_MinLengthCountsRunes(t *testing.T) {
	// 6 runes but 12 bytes: still below the 10-character floor.
	c := New(Config{URL: "http://127.0.0.1:1", MinLength: 10})
	defer c.Close()

	got, err := c.Classify(context.Background(), "привет")
	require.NoError(t, err)
	assert.Equal(t, LabelSpam, got.Label)
}

func TestClassify_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "test-key"})
	defer c.Close()

	_, err := c.Classify(context.Background(), "a message long enough to reach the API")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestClassify_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "test-key"})
	defer c.Close()

	_, err := c.Classify(context.Background(), "a message long enough to reach the API")
	require.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", c.cfg.URL)
	assert.Equal(t, "llama-3.3-70b-versatile", c.cfg.Model)
	assert.Equal(t, 1000, c.cfg.MaxChars)
	assert.Equal(t, 10, c.cfg.MinLength)
}
