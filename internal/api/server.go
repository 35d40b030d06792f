package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/rs/zerolog/log"

	"telegram-ca-listener/internal/detector"
	"telegram-ca-listener/internal/health"
	"telegram-ca-listener/internal/market"
	"telegram-ca-listener/internal/pipeline"
	"telegram-ca-listener/internal/scoring"
	"telegram-ca-listener/internal/storage"
)

// Ingestor runs the message pipeline for one inbound message.
type Ingestor interface {
	Process(ctx context.Context, channel, rawText string) (*pipeline.Outcome, error)
}

// MarketData fetches a market snapshot for manually submitted addresses.
type MarketData interface {
	FetchTokenInfo(ctx context.Context, address string) (*market.TokenInfo, error)
}

// Server exposes the read/write API and the inbound message webhook.
type Server struct {
	app     *fiber.App
	db      *storage.DB
	ingest  Ingestor
	market  MarketData
	checker *health.Checker
	host    string
	port    int
}

// NewServer creates the API server. checker may be nil.
func NewServer(host string, port int, db *storage.DB, ingest Ingestor, md MarketData, checker *health.Checker) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{
		app:     app,
		db:      db,
		ingest:  ingest,
		market:  md,
		checker: checker,
		host:    host,
		port:    port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	// Inbound messages from the telegram bridge. Rate limited so a noisy
	// bridge cannot starve the pipeline.
	s.app.Post("/ingest", limiter.New(limiter.Config{
		Max:        20,
		Expiration: 1 * time.Second,
	}), s.handleIngest)

	s.app.Get("/api/ca/latest", s.handleLatestContracts)
	s.app.Get("/api/ca/:address", s.handleGetContract)
	s.app.Post("/api/ca", s.handleAddContract)
	s.app.Delete("/api/ca/clear", s.handleClearContracts)

	s.app.Get("/api/channels", s.handleGetChannels)
	s.app.Post("/api/channels", s.handleAddChannel)
	s.app.Delete("/api/channels/:username", s.handleDeleteChannel)

	s.app.Get("/api/alerts", s.handleGetAlerts)
	s.app.Post("/api/alerts/read-all", s.handleReadAllAlerts)
	s.app.Post("/api/alerts/:id/read", s.handleReadAlert)

	s.app.Post("/api/subscriptions", s.handleSubscribe)
	s.app.Delete("/api/subscriptions", s.handleUnsubscribe)
	s.app.Get("/api/subscriptions/:user", s.handleGetSubscriptions)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status": "ok",
		"time":   time.Now().Unix(),
	}
	if s.checker != nil {
		var components []fiber.Map
		for _, st := range s.checker.GetStatuses() {
			components = append(components, fiber.Map{
				"name":       st.Name,
				"healthy":    st.Healthy,
				"latency_ms": st.Latency.Milliseconds(),
				"error":      st.Error,
			})
		}
		resp["components"] = components
	}
	return c.JSON(resp)
}

type ingestPayload struct {
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleIngest(c *fiber.Ctx) error {
	var payload ingestPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse ingest payload")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.Channel == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "channel is required"})
	}

	outcome, err := s.ingest.Process(c.Context(), payload.Channel, payload.Text)
	if err != nil {
		log.Error().Err(err).Str("channel", payload.Channel).Msg("pipeline error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing failed"})
	}
	if outcome == nil {
		return c.JSON(fiber.Map{"status": "ignored"})
	}

	return c.JSON(fiber.Map{
		"status":           outcome.Action,
		"contract_address": outcome.Address,
		"mention_count":    outcome.MentionCount,
		"score":            outcome.Score,
		"risk_level":       outcome.RiskLevel,
	})
}

func (s *Server) handleLatestContracts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	var (
		contracts []*storage.Contract
		err       error
	)

	// ?user= filters to the channels that user subscribes to.
	if user := c.Query("user"); user != "" {
		channels, serr := s.db.SubscribedChannels(user)
		if serr != nil {
			return s.dbError(c, serr)
		}
		contracts, err = s.db.LatestContractsForChannels(channels, limit)
	} else {
		contracts, err = s.db.LatestContracts(limit)
	}
	if err != nil {
		return s.dbError(c, err)
	}

	out := make([]fiber.Map, 0, len(contracts))
	for _, contract := range contracts {
		out = append(out, contractJSON(contract))
	}
	return c.JSON(fiber.Map{"contracts": out, "count": len(out)})
}

func (s *Server) handleGetContract(c *fiber.Ctx) error {
	address := c.Params("address")
	if !detector.IsValidAddress(address) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid address format"})
	}

	contract, err := s.db.GetContract(address)
	if err != nil {
		return s.dbError(c, err)
	}
	if contract == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "contract not tracked"})
	}
	return c.JSON(contractJSON(contract))
}

type addContractPayload struct {
	Address string `json:"address"`
	Channel string `json:"channel"`
}

func (s *Server) handleAddContract(c *fiber.Ctx) error {
	var payload addContractPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	// Manual submissions get the strict check on top of the structural one:
	// the string must actually decode to a 32-byte public key.
	if !detector.IsValidAddress(payload.Address) || !detector.DecodesToPublicKey(payload.Address) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid address"})
	}
	if payload.Channel == "" {
		payload.Channel = "manual"
	}

	existing, err := s.db.GetContract(payload.Address)
	if err != nil {
		return s.dbError(c, err)
	}
	if existing != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already tracked"})
	}

	var mcap float64
	var symbol string
	if info, merr := s.market.FetchTokenInfo(c.Context(), payload.Address); merr == nil {
		mcap = info.MarketCap
		symbol = info.Symbol
	}

	ch, err := s.db.GetOrCreateChannel(payload.Channel)
	if err != nil {
		return s.dbError(c, err)
	}
	score, risk := scoring.Calculate(0, ch.CredibilityScore)

	contract := &storage.Contract{
		Address:            payload.Address,
		FirstSourceChannel: payload.Channel,
		Score:              score,
		RiskLevel:          string(risk),
		Classification:     "CALL",
		DetectedMcap:       mcap,
		TokenSymbol:        symbol,
	}
	if err := s.db.CreateContract(contract); err != nil {
		// Lost the exists-check race to a concurrent insert. Same answer as
		// the pre-check: the address is already tracked.
		if errors.Is(err, storage.ErrDuplicate) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already tracked"})
		}
		return s.dbError(c, err)
	}
	if err := s.db.IncrementChannelCalls(payload.Channel); err != nil {
		return s.dbError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(contractJSON(contract))
}

func (s *Server) handleClearContracts(c *fiber.Ctx) error {
	n, err := s.db.ClearContracts()
	if err != nil {
		return s.dbError(c, err)
	}
	log.Warn().Int64("deleted", n).Msg("all tracked contracts cleared")
	return c.JSON(fiber.Map{"deleted": n})
}

func (s *Server) handleGetChannels(c *fiber.Ctx) error {
	channels, err := s.db.ActiveChannels()
	if err != nil {
		return s.dbError(c, err)
	}

	out := make([]fiber.Map, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelJSON(ch))
	}
	return c.JSON(fiber.Map{"channels": out, "count": len(out)})
}

type addChannelPayload struct {
	Username string `json:"username"`
}

func (s *Server) handleAddChannel(c *fiber.Ctx) error {
	var payload addChannelPayload
	if err := c.BodyParser(&payload); err != nil || payload.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "username is required"})
	}

	ch, err := s.db.GetOrCreateChannel(payload.Username)
	if err != nil {
		return s.dbError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(channelJSON(ch))
}

func (s *Server) handleDeleteChannel(c *fiber.Ctx) error {
	deleted, err := s.db.DeleteChannel(c.Params("username"))
	if err != nil {
		return s.dbError(c, err)
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "channel not found"})
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func (s *Server) handleGetAlerts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	unreadOnly := c.QueryBool("unread", false)

	alerts, err := s.db.RecentAlerts(limit, unreadOnly)
	if err != nil {
		return s.dbError(c, err)
	}

	out := make([]fiber.Map, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertJSON(a))
	}
	return c.JSON(fiber.Map{"alerts": out, "count": len(out)})
}

func (s *Server) handleReadAlert(c *fiber.Ctx) error {
	updated, err := s.db.MarkAlertRead(c.Params("id"))
	if err != nil {
		return s.dbError(c, err)
	}
	if !updated {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "alert not found"})
	}
	return c.JSON(fiber.Map{"status": "read"})
}

func (s *Server) handleReadAllAlerts(c *fiber.Ctx) error {
	n, err := s.db.MarkAllAlertsRead()
	if err != nil {
		return s.dbError(c, err)
	}
	return c.JSON(fiber.Map{"marked": n})
}

type subscriptionPayload struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
}

func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	var payload subscriptionPayload
	if err := c.BodyParser(&payload); err != nil || payload.UserID == "" || payload.Channel == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id and channel are required"})
	}

	if err := s.db.Subscribe(payload.UserID, payload.Channel); err != nil {
		return s.dbError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "subscribed"})
}

func (s *Server) handleUnsubscribe(c *fiber.Ctx) error {
	var payload subscriptionPayload
	if err := c.BodyParser(&payload); err != nil || payload.UserID == "" || payload.Channel == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id and channel are required"})
	}

	removed, err := s.db.Unsubscribe(payload.UserID, payload.Channel)
	if err != nil {
		return s.dbError(c, err)
	}
	if !removed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription not found"})
	}
	return c.JSON(fiber.Map{"status": "unsubscribed"})
}

func (s *Server) handleGetSubscriptions(c *fiber.Ctx) error {
	channels, err := s.db.SubscribedChannels(c.Params("user"))
	if err != nil {
		return s.dbError(c, err)
	}
	return c.JSON(fiber.Map{"channels": channels, "count": len(channels)})
}

func (s *Server) dbError(c *fiber.Ctx, err error) error {
	log.Error().Err(err).Str("path", c.Path()).Msg("storage error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage error"})
}

func contractJSON(c *storage.Contract) fiber.Map {
	return fiber.Map{
		"id":                   c.ID,
		"contract_address":     c.Address,
		"first_seen_at":        c.FirstSeenAt,
		"first_source_channel": c.FirstSourceChannel,
		"mention_count":        c.MentionCount,
		"score":                c.Score,
		"risk_level":           c.RiskLevel,
		"classification":       c.Classification,
		"llm_confidence":       c.Confidence,
		"detected_mcap":        c.DetectedMcap,
		"token_symbol":         c.TokenSymbol,
		"created_at":           c.CreatedAt,
	}
}

func channelJSON(ch *storage.Channel) fiber.Map {
	return fiber.Map{
		"id":                ch.ID,
		"username":          ch.Username,
		"credibility_score": ch.CredibilityScore,
		"total_calls":       ch.TotalCalls,
		"successful_calls":  ch.SuccessfulCalls,
		"is_active":         ch.IsActive,
		"created_at":        ch.CreatedAt,
	}
}

func alertJSON(a *storage.Alert) fiber.Map {
	return fiber.Map{
		"id":               a.ID,
		"contract_address": a.Address,
		"source":           a.Source,
		"source_name":      a.SourceName,
		"token_symbol":     a.TokenSymbol,
		"entry_mcap":       a.EntryMcap,
		"current_mcap":     a.CurrentMcap,
		"multiplier":       a.Multiplier,
		"threshold":        a.Threshold,
		"is_read":          a.IsRead,
		"triggered_at":     a.TriggeredAt,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting api server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
