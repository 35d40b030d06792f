package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when an insert hits a UNIQUE constraint. The
// pipeline converts it into the increment path instead of failing.
var ErrDuplicate = errors.New("storage: duplicate row")

// DB wraps SQLite database
type DB struct {
	db *sql.DB
}

// Contract is a tracked token contract address.
type Contract struct {
	ID                 string
	Address            string
	FirstSeenAt        int64
	FirstSourceChannel string
	MentionCount       int
	Score              int
	RiskLevel          string
	Classification     string
	Confidence         float64 // 0 when the classifier gave none
	DetectedMcap       float64 // 0 when unknown at detection time
	TokenSymbol        string
	CreatedAt          int64
	UpdatedAt          int64
}

// Channel is a credibility-scored message source.
type Channel struct {
	ID               string
	Username         string
	CredibilityScore int
	TotalCalls       int
	SuccessfulCalls  int
	IsActive         bool
	CreatedAt        int64
	UpdatedAt        int64
}

// Alert records a contract crossing a price threshold, at most once per
// (contract, threshold) pair.
type Alert struct {
	ID          string
	Address     string
	Source      string
	SourceName  string
	TokenSymbol string
	EntryMcap   float64
	CurrentMcap float64
	Multiplier  float64
	Threshold   float64
	IsRead      bool
	TriggeredAt int64
}

// Subscription links an opaque user id to a channel.
type Subscription struct {
	ID        string
	UserID    string
	Channel   string
	CreatedAt int64
}

// NewDB creates a new database connection
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_contracts (
		id TEXT PRIMARY KEY,
		contract_address TEXT NOT NULL UNIQUE,
		first_seen_at INTEGER NOT NULL,
		first_source_channel TEXT NOT NULL,
		mention_count INTEGER NOT NULL DEFAULT 1,
		score INTEGER NOT NULL DEFAULT 50,
		risk_level TEXT NOT NULL DEFAULT 'MEDIUM',
		classification TEXT NOT NULL DEFAULT 'CALL',
		llm_confidence REAL NOT NULL DEFAULT 0,
		detected_mcap REAL NOT NULL DEFAULT 0,
		token_symbol TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracked_channels (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		credibility_score INTEGER NOT NULL DEFAULT 50,
		total_calls INTEGER NOT NULL DEFAULT 0,
		successful_calls INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS price_alerts (
		id TEXT PRIMARY KEY,
		contract_address TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'telegram',
		source_name TEXT NOT NULL DEFAULT '',
		token_symbol TEXT NOT NULL DEFAULT '',
		entry_mcap REAL NOT NULL,
		current_mcap REAL NOT NULL,
		multiplier REAL NOT NULL,
		threshold REAL NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		triggered_at INTEGER NOT NULL,
		UNIQUE(contract_address, threshold)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, channel)
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_first_seen ON tracked_contracts(first_seen_at);
	CREATE INDEX IF NOT EXISTS idx_contracts_score ON tracked_contracts(score);
	CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON price_alerts(triggered_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_is_read ON price_alerts(is_read);
	`

	_, err := db.Exec(schema)
	return err
}

// translateErr maps sqlite unique-constraint failures onto ErrDuplicate.
func translateErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

// GetContract retrieves a contract by its address, nil when not tracked.
func (d *DB) GetContract(address string) (*Contract, error) {
	var c Contract
	err := d.db.QueryRow(`
		SELECT id, contract_address, first_seen_at, first_source_channel, mention_count,
		       score, risk_level, classification, llm_confidence, detected_mcap,
		       token_symbol, created_at, updated_at
		FROM tracked_contracts WHERE contract_address = ?`, address).Scan(
		&c.ID, &c.Address, &c.FirstSeenAt, &c.FirstSourceChannel, &c.MentionCount,
		&c.Score, &c.RiskLevel, &c.Classification, &c.Confidence, &c.DetectedMcap,
		&c.TokenSymbol, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestContracts retrieves the most recent contracts by first-seen time.
func (d *DB) LatestContracts(limit int) ([]*Contract, error) {
	rows, err := d.db.Query(`
		SELECT id, contract_address, first_seen_at, first_source_channel, mention_count,
		       score, risk_level, classification, llm_confidence, detected_mcap,
		       token_symbol, created_at, updated_at
		FROM tracked_contracts ORDER BY first_seen_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

// LatestContractsForChannels is LatestContracts restricted to a channel set,
// used by the subscription filter on the read API.
func (d *DB) LatestContractsForChannels(channels []string, limit int) ([]*Contract, error) {
	if len(channels) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(channels)-1) + "?"
	args := make([]interface{}, 0, len(channels)+1)
	for _, ch := range channels {
		args = append(args, ch)
	}
	args = append(args, limit)

	rows, err := d.db.Query(`
		SELECT id, contract_address, first_seen_at, first_source_channel, mention_count,
		       score, risk_level, classification, llm_confidence, detected_mcap,
		       token_symbol, created_at, updated_at
		FROM tracked_contracts
		WHERE first_source_channel IN (`+placeholders+`)
		ORDER BY first_seen_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var contracts []*Contract
	for rows.Next() {
		var c Contract
		if err := rows.Scan(&c.ID, &c.Address, &c.FirstSeenAt, &c.FirstSourceChannel,
			&c.MentionCount, &c.Score, &c.RiskLevel, &c.Classification, &c.Confidence,
			&c.DetectedMcap, &c.TokenSymbol, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contracts = append(contracts, &c)
	}
	return contracts, rows.Err()
}

// CreateContract inserts a new tracked contract with mention count 1. The
// UNIQUE address constraint is the final arbiter against concurrent inserts;
// losers get ErrDuplicate.
func (d *DB) CreateContract(c *Contract) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := Now()
	if c.FirstSeenAt == 0 {
		c.FirstSeenAt = now
	}
	c.MentionCount = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := d.db.Exec(`
		INSERT INTO tracked_contracts
		(id, contract_address, first_seen_at, first_source_channel, mention_count,
		 score, risk_level, classification, llm_confidence, detected_mcap,
		 token_symbol, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Address, c.FirstSeenAt, c.FirstSourceChannel, c.MentionCount,
		c.Score, c.RiskLevel, c.Classification, c.Confidence, c.DetectedMcap,
		c.TokenSymbol, c.CreatedAt, c.UpdatedAt)
	return translateErr(err)
}

// IncrementMention bumps the mention counter for an existing contract.
func (d *DB) IncrementMention(address string) (bool, error) {
	res, err := d.db.Exec(`
		UPDATE tracked_contracts
		SET mention_count = mention_count + 1, updated_at = ?
		WHERE contract_address = ?`, Now(), address)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearContracts removes every tracked contract. Explicit bulk clear only.
func (d *DB) ClearContracts() (int64, error) {
	res, err := d.db.Exec("DELETE FROM tracked_contracts")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetChannel retrieves a channel by username, nil when unknown.
func (d *DB) GetChannel(username string) (*Channel, error) {
	var ch Channel
	err := d.db.QueryRow(`
		SELECT id, username, credibility_score, total_calls, successful_calls,
		       is_active, created_at, updated_at
		FROM tracked_channels WHERE username = ?`, username).Scan(
		&ch.ID, &ch.Username, &ch.CredibilityScore, &ch.TotalCalls,
		&ch.SuccessfulCalls, &ch.IsActive, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetOrCreateChannel returns the channel, creating it with the neutral
// default credibility when first seen. Insert races resolve by re-reading.
func (d *DB) GetOrCreateChannel(username string) (*Channel, error) {
	ch, err := d.GetChannel(username)
	if err != nil || ch != nil {
		return ch, err
	}

	now := Now()
	_, err = d.db.Exec(`
		INSERT INTO tracked_channels
		(id, username, credibility_score, total_calls, successful_calls, is_active, created_at, updated_at)
		VALUES (?, ?, 50, 0, 0, 1, ?, ?)`,
		uuid.NewString(), username, now, now)
	if err != nil && !errors.Is(translateErr(err), ErrDuplicate) {
		return nil, err
	}
	if err == nil {
		log.Info().Str("channel", username).Msg("new channel tracked")
	}

	return d.GetChannel(username)
}

// ActiveChannels retrieves all channels with the active flag set.
func (d *DB) ActiveChannels() ([]*Channel, error) {
	rows, err := d.db.Query(`
		SELECT id, username, credibility_score, total_calls, successful_calls,
		       is_active, created_at, updated_at
		FROM tracked_channels WHERE is_active = 1 ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Username, &ch.CredibilityScore, &ch.TotalCalls,
			&ch.SuccessfulCalls, &ch.IsActive, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// IncrementChannelCalls bumps the total-calls counter.
func (d *DB) IncrementChannelCalls(username string) error {
	_, err := d.db.Exec(`
		UPDATE tracked_channels
		SET total_calls = total_calls + 1, updated_at = ?
		WHERE username = ?`, Now(), username)
	return err
}

// IncrementChannelSuccess bumps the successful-calls counter.
func (d *DB) IncrementChannelSuccess(username string) error {
	_, err := d.db.Exec(`
		UPDATE tracked_channels
		SET successful_calls = successful_calls + 1, updated_at = ?
		WHERE username = ?`, Now(), username)
	return err
}

// UpdateChannelCredibility writes a freshly derived credibility score.
func (d *DB) UpdateChannelCredibility(username string, score int) error {
	_, err := d.db.Exec(`
		UPDATE tracked_channels
		SET credibility_score = ?, updated_at = ?
		WHERE username = ?`, score, Now(), username)
	return err
}

// DeleteChannel removes a channel by username.
func (d *DB) DeleteChannel(username string) (bool, error) {
	res, err := d.db.Exec("DELETE FROM tracked_channels WHERE username = ?", username)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AlertExists reports whether an alert was already recorded for this
// (contract, threshold) pair. This persisted check, not any in-memory cache,
// decides whether an alert may be created.
func (d *DB) AlertExists(address string, threshold float64) (bool, error) {
	var id string
	err := d.db.QueryRow(`
		SELECT id FROM price_alerts
		WHERE contract_address = ? AND threshold = ?`, address, threshold).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateAlert records a threshold crossing. The UNIQUE(contract, threshold)
// constraint backs up the existence check; a race returns ErrDuplicate.
func (d *DB) CreateAlert(a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.TriggeredAt == 0 {
		a.TriggeredAt = Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO price_alerts
		(id, contract_address, source, source_name, token_symbol, entry_mcap,
		 current_mcap, multiplier, threshold, is_read, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.Address, a.Source, a.SourceName, a.TokenSymbol, a.EntryMcap,
		a.CurrentMcap, a.Multiplier, a.Threshold, a.TriggeredAt)
	return translateErr(err)
}

// RecentAlerts retrieves the newest alerts, optionally only unread ones.
func (d *DB) RecentAlerts(limit int, unreadOnly bool) ([]*Alert, error) {
	query := `
		SELECT id, contract_address, source, source_name, token_symbol, entry_mcap,
		       current_mcap, multiplier, threshold, is_read, triggered_at
		FROM price_alerts`
	if unreadOnly {
		query += " WHERE is_read = 0"
	}
	query += " ORDER BY triggered_at DESC LIMIT ?"

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Address, &a.Source, &a.SourceName, &a.TokenSymbol,
			&a.EntryMcap, &a.CurrentMcap, &a.Multiplier, &a.Threshold, &a.IsRead,
			&a.TriggeredAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// MarkAlertRead flips the read flag on one alert.
func (d *DB) MarkAlertRead(id string) (bool, error) {
	res, err := d.db.Exec("UPDATE price_alerts SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllAlertsRead flips the read flag on every unread alert.
func (d *DB) MarkAllAlertsRead() (int64, error) {
	res, err := d.db.Exec("UPDATE price_alerts SET is_read = 1 WHERE is_read = 0")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Subscribe links a user to a channel. Idempotent.
func (d *DB) Subscribe(userID, channel string) error {
	_, err := d.db.Exec(`
		INSERT INTO subscriptions (id, user_id, channel, created_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, channel, Now())
	if errors.Is(translateErr(err), ErrDuplicate) {
		return nil
	}
	return err
}

// Unsubscribe removes a user-channel link.
func (d *DB) Unsubscribe(userID, channel string) (bool, error) {
	res, err := d.db.Exec(`
		DELETE FROM subscriptions WHERE user_id = ? AND channel = ?`, userID, channel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SubscribedChannels lists the channels a user follows.
func (d *DB) SubscribedChannels(userID string) ([]string, error) {
	rows, err := d.db.Query(`
		SELECT channel FROM subscriptions WHERE user_id = ? ORDER BY channel`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}
