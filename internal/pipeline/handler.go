package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"telegram-ca-listener/internal/classifier"
	"telegram-ca-listener/internal/detector"
	"telegram-ca-listener/internal/market"
	"telegram-ca-listener/internal/scoring"
	"telegram-ca-listener/internal/storage"
	"telegram-ca-listener/internal/textutil"
)

// Classifier labels message text with an intent.
type Classifier interface {
	Classify(ctx context.Context, text string) (*classifier.Result, error)
}

// MarketData fetches current market value and symbol for an address.
type MarketData interface {
	FetchTokenInfo(ctx context.Context, address string) (*market.TokenInfo, error)
}

// Outcome actions.
const (
	ActionCreated   = "created"
	ActionDuplicate = "duplicate"
)

// Outcome describes what processing a message did. A nil Outcome means the
// message was discarded.
type Outcome struct {
	Action         string
	Address        string
	Channel        string
	MentionCount   int
	Score          int
	RiskLevel      scoring.Risk
	Classification classifier.Label
	Confidence     float64
}

// Handler runs the per-message ingestion pipeline:
// normalize, detect, enrich, classify, deduplicate-or-create, persist.
type Handler struct {
	db         *storage.DB
	classifier Classifier
	market     MarketData
}

// NewHandler wires the pipeline. All collaborators are injected; the handler
// holds no global state.
func NewHandler(db *storage.DB, cls Classifier, md MarketData) *Handler {
	return &Handler{
		db:         db,
		classifier: cls,
		market:     md,
	}
}

// Process handles one (channel, raw text) message. Returns nil when the
// message was discarded: invalid text, no address, or failed classification.
func (h *Handler) Process(ctx context.Context, channel, rawText string) (*Outcome, error) {
	if !textutil.IsValidMessage(rawText) {
		return nil, nil
	}

	cleaned := textutil.Clean(rawText)

	address := detector.ExtractFirst(cleaned)
	if address == "" {
		return nil, nil
	}

	log.Info().
		Str("address", short(address)).
		Str("channel", channel).
		Msg("contract address detected")

	// Market data is best-effort: a fetch failure means "unknown value" and
	// must not block classification.
	var detectedMcap float64
	var tokenSymbol string
	if info, err := h.market.FetchTokenInfo(ctx, address); err == nil {
		detectedMcap = info.MarketCap
		tokenSymbol = info.Symbol
	} else if !errors.Is(err, market.ErrNoData) {
		log.Warn().Err(err).Str("address", short(address)).Msg("market lookup failed")
	}

	result, err := h.classifier.Classify(ctx, cleaned)
	if err != nil {
		// Discard on classification failure. Defaulting to CALL would be
		// unsafe and defaulting to SPAM would silently lose data.
		log.Warn().Err(err).Str("address", short(address)).Msg("classification failed, discarding message")
		return nil, nil
	}

	log.Info().
		Str("label", string(result.Label)).
		Float64("confidence", result.Confidence).
		Msg("message classified")

	existing, err := h.db.GetContract(address)
	if err != nil {
		return nil, fmt.Errorf("lookup contract: %w", err)
	}

	if existing != nil {
		if _, err := h.db.IncrementMention(address); err != nil {
			return nil, fmt.Errorf("increment mention: %w", err)
		}
		log.Info().Str("address", short(address)).Msg("duplicate contract, mention count bumped")

		return &Outcome{
			Action:       ActionDuplicate,
			Address:      address,
			Channel:      channel,
			MentionCount: existing.MentionCount + 1,
		}, nil
	}

	return h.createContract(channel, address, detectedMcap, tokenSymbol, result)
}

func (h *Handler) createContract(channel, address string,
	detectedMcap float64, tokenSymbol string, result *classifier.Result) (*Outcome, error) {

	ch, err := h.db.GetOrCreateChannel(channel)
	if err != nil {
		return nil, fmt.Errorf("get or create channel: %w", err)
	}

	// Latency is zero here: the address was just discovered.
	score, risk := scoring.Calculate(0, ch.CredibilityScore)

	contract := &storage.Contract{
		Address:            address,
		FirstSourceChannel: channel,
		Score:              score,
		RiskLevel:          string(risk),
		Classification:     string(result.Label),
		Confidence:         result.Confidence,
		DetectedMcap:       detectedMcap,
		TokenSymbol:        tokenSymbol,
	}

	if err := h.db.CreateContract(contract); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost the existence-check race to a concurrent pipeline. The
			// uniqueness constraint is the arbiter; fold into the duplicate path.
			if _, err := h.db.IncrementMention(address); err != nil {
				return nil, fmt.Errorf("increment mention after race: %w", err)
			}

			raced, err := h.db.GetContract(address)
			if err != nil {
				return nil, fmt.Errorf("reload raced contract: %w", err)
			}
			mentions := 2
			if raced != nil {
				mentions = raced.MentionCount
			}

			log.Info().Str("address", short(address)).Msg("insert raced, converted to mention increment")
			return &Outcome{
				Action:       ActionDuplicate,
				Address:      address,
				Channel:      channel,
				MentionCount: mentions,
			}, nil
		}
		return nil, fmt.Errorf("create contract: %w", err)
	}

	if err := h.db.IncrementChannelCalls(channel); err != nil {
		return nil, fmt.Errorf("increment channel calls: %w", err)
	}

	log.Info().
		Str("address", short(address)).
		Int("score", score).
		Str("risk", string(risk)).
		Msg("new contract tracked")

	return &Outcome{
		Action:         ActionCreated,
		Address:        address,
		Channel:        channel,
		MentionCount:   1,
		Score:          score,
		RiskLevel:      risk,
		Classification: result.Label,
		Confidence:     result.Confidence,
	}, nil
}

func short(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:12]
}
