package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Label is the intent assigned to a message.
type Label string

const (
	LabelCall    Label = "CALL"    // buy recommendation, entry signal
	LabelWarning Label = "WARNING" // caution, potential rug
	LabelExit    Label = "EXIT"    // sell signal, take profit
	LabelSpam    Label = "SPAM"    // ads, bots, unrelated content
)

var validLabels = map[Label]struct{}{
	LabelCall:    {},
	LabelWarning: {},
	LabelExit:    {},
	LabelSpam:    {},
}

// Result is a classified message: a label plus the model's confidence.
type Result struct {
	Label      Label
	Confidence float64
}

// ErrUnparseable is returned when the completion can be read neither as JSON
// nor via the label-token fallback scan.
var ErrUnparseable = errors.New("classifier: unparseable completion")

const systemPrompt = `You are a crypto message classifier. Analyze the given Telegram message about a cryptocurrency token and classify it into exactly ONE of these categories:

CALL - The message is recommending to buy, enter, or ape into a token. It's bullish, optimistic, or promoting the token as a good opportunity.

WARNING - The message is expressing caution about a token. It might mention potential red flags, rug pull risks, or advises to be careful.

EXIT - The message is recommending to sell, take profits, or exit a position. It's bearish or suggesting the token has peaked.

SPAM - The message is irrelevant, promotional spam, bot-generated, or unrelated to actual trading signals.

Respond with ONLY valid JSON in this exact format:
{"classification": "CALL", "confidence": 0.92}

The confidence should be a number between 0 and 1 representing how certain you are about the classification.

DO NOT include any explanation or text outside the JSON.`

// Config for the Groq client.
type Config struct {
	URL       string
	Model     string
	APIKey    string
	Timeout   time.Duration
	MaxChars  int // input prefix sent to the model
	MinLength int // below this the message is SPAM without a network call
}

// Classifier labels messages through the Groq chat-completions API. It owns
// a pooled HTTP client; call Close when done with it.
type Classifier struct {
	cfg    Config
	client *http.Client
}

// New creates a classifier. Zero config fields fall back to defaults.
func New(cfg Config) *Classifier {
	if cfg.URL == "" {
		cfg.URL = "https://api.groq.com/openai/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.3-70b-versatile"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 1000
	}
	if cfg.MinLength == 0 {
		cfg.MinLength = 10
	}

	return &Classifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Close releases pooled connections. The classifier must not be used after.
func (c *Classifier) Close() {
	c.client.CloseIdleConnections()
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify labels message text with one of the four intents. A failed
// classification (network error, non-2xx, unparseable completion) returns an
// error; callers are expected to discard the message rather than assume a
// default label.
func (c *Classifier) Classify(ctx context.Context, text string) (*Result, error) {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < c.cfg.MinLength {
		return &Result{Label: LabelSpam, Confidence: 0.99}, nil
	}

	// Truncate by rune, not byte: a byte slice could split a multi-byte
	// character and ship an invalid UTF-8 tail to the provider.
	if runes := []rune(text); len(runes) > c.cfg.MaxChars {
		text = string(runes[:c.cfg.MaxChars])
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens:   50,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("completion failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("completion has no choices")
	}

	result, err := parseContent(strings.TrimSpace(completion.Choices[0].Message.Content))
	if err != nil {
		return nil, err
	}

	log.Debug().
		Dur("latency", time.Since(start)).
		Str("label", string(result.Label)).
		Float64("confidence", result.Confidence).
		Msg("message classified")

	return result, nil
}

// parseContent turns the raw completion into a Result. Strict path first:
// the JSON shape the prompt demands. Fallback path: case-insensitive scan
// for a label token anywhere in the text, at reduced confidence. Anything
// else is ErrUnparseable.
func parseContent(content string) (*Result, error) {
	var payload struct {
		Classification string   `json:"classification"`
		Confidence     *float64 `json:"confidence"`
	}

	if err := json.Unmarshal([]byte(content), &payload); err == nil && payload.Classification != "" {
		label := Label(strings.ToUpper(payload.Classification))
		if _, ok := validLabels[label]; !ok {
			return nil, fmt.Errorf("%w: unknown label %q", ErrUnparseable, payload.Classification)
		}

		confidence := 0.5
		if payload.Confidence != nil {
			confidence = *payload.Confidence
		}
		if confidence < 0 {
			confidence = 0
		} else if confidence > 1 {
			confidence = 1
		}
		return &Result{Label: label, Confidence: confidence}, nil
	}

	upper := strings.ToUpper(content)
	for _, label := range []Label{LabelCall, LabelWarning, LabelExit, LabelSpam} {
		if strings.Contains(upper, string(label)) {
			log.Warn().Str("content", content).Msg("falling back to label scan")
			return &Result{Label: label, Confidence: 0.6}, nil
		}
	}

	return nil, ErrUnparseable
}
