package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-ca-listener/internal/market"
	"telegram-ca-listener/internal/pipeline"
	"telegram-ca-listener/internal/storage"
)

const (
	testMint  = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	otherMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type stubIngestor struct {
	outcome *pipeline.Outcome
	err     error
	channel string
	text    string
}

func (s *stubIngestor) Process(ctx context.Context, channel, rawText string) (*pipeline.Outcome, error) {
	s.channel = channel
	s.text = rawText
	return s.outcome, s.err
}

type stubMarket struct {
	info *market.TokenInfo
	err  error
}

func (s *stubMarket) FetchTokenInfo(ctx context.Context, address string) (*market.TokenInfo, error) {
	return s.info, s.err
}

func testServer(t *testing.T, ingest Ingestor, md MarketData) (*Server, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if md == nil {
		md = &stubMarket{err: market.ErrNoData}
	}
	return NewServer("127.0.0.1", 0, db, ingest, md, nil), db
}

func doJSON(t *testing.T, s *Server, method, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	resp.Body.Close()
	return resp, decoded
}

func seedContract(t *testing.T, db *storage.DB, address, channel string) {
	t.Helper()
	require.NoError(t, db.CreateContract(&storage.Contract{
		Address:            address,
		FirstSourceChannel: channel,
		Score:              60,
		RiskLevel:          "MEDIUM",
		Classification:     "CALL",
		Confidence:         0.9,
		DetectedMcap:       10000,
		TokenSymbol:        "$TEST",
	}))
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, &stubIngestor{}, nil)

	resp, body := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestIngest(t *testing.T) {
	ingest := &stubIngestor{outcome: &pipeline.Outcome{
		Action:       pipeline.ActionCreated,
		Address:      testMint,
		MentionCount: 1,
		Score:        70,
	}}
	s, _ := testServer(t, ingest, nil)

	resp, body := doJSON(t, s, http.MethodPost, "/ingest", map[string]any{
		"channel": "alpha_calls",
		"text":    "ape into " + testMint,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, testMint, body["contract_address"])
	assert.Equal(t, "alpha_calls", ingest.channel)
}

func TestIngest_Validation(t *testing.T) {
	s, _ := testServer(t, &stubIngestor{}, nil)

	resp, _ := doJSON(t, s, http.MethodPost, "/ingest", map[string]any{"text": "no channel"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngest_IgnoredMessage(t *testing.T) {
	s, _ := testServer(t, &stubIngestor{outcome: nil}, nil)

	resp, body := doJSON(t, s, http.MethodPost, "/ingest", map[string]any{
		"channel": "alpha_calls",
		"text":    "gm",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["status"])
}

func TestLatestContracts(t *testing.T) {
	s, db := testServer(t, &stubIngestor{}, nil)
	seedContract(t, db, testMint, "alpha_calls")
	seedContract(t, db, otherMint, "degen_signals")

	resp, body := doJSON(t, s, http.MethodGet, "/api/ca/latest", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
}

func TestLatestContracts_SubscriptionFilter(t *testing.T) {
	s, db := testServer(t, &stubIngestor{}, nil)
	seedContract(t, db, testMint, "alpha_calls")
	seedContract(t, db, otherMint, "degen_signals")
	require.NoError(t, db.Subscribe("user-1", "alpha_calls"))

	resp, body := doJSON(t, s, http.MethodGet, "/api/ca/latest?user=user-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["count"])

	contracts := body["contracts"].([]any)
	first := contracts[0].(map[string]any)
	assert.Equal(t, testMint, first["contract_address"])

	// A user with no subscriptions sees nothing.
	_, body = doJSON(t, s, http.MethodGet, "/api/ca/latest?user=nobody", nil)
	assert.Equal(t, float64(0), body["count"])
}

func TestGetContract(t *testing.T) {
	s, db := testServer(t, &stubIngestor{}, nil)
	seedContract(t, db, testMint, "alpha_calls")

	resp, body := doJSON(t, s, http.MethodGet, "/api/ca/"+testMint, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testMint, body["contract_address"])
	assert.Equal(t, "alpha_calls", body["first_source_channel"])

	resp, _ = doJSON(t, s, http.MethodGet, "/api/ca/"+otherMint, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodGet, "/api/ca/notanaddress", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddContract(t *testing.T) {
	md := &stubMarket{info: &market.TokenInfo{MarketCap: 42000, Symbol: "$NEW"}}
	s, db := testServer(t, &stubIngestor{}, md)

	resp, body := doJSON(t, s, http.MethodPost, "/api/ca", map[string]any{"address": testMint})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, testMint, body["contract_address"])
	assert.Equal(t, "manual", body["first_source_channel"])
	assert.Equal(t, 42000.0, body["detected_mcap"])

	// Channel bookkeeping applies to manual submissions too.
	ch, err := db.GetChannel("manual")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, 1, ch.TotalCalls)

	resp, _ = doJSON(t, s, http.MethodPost, "/api/ca", map[string]any{"address": testMint})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// racingMarket inserts the contract during the market lookup, which runs
// between the handler's existence check and its insert.
type racingMarket struct {
	t  *testing.T
	db *storage.DB
}

func (r *racingMarket) FetchTokenInfo(ctx context.Context, address string) (*market.TokenInfo, error) {
	seedContract(r.t, r.db, address, "alpha_calls")
	return &market.TokenInfo{MarketCap: 42000, Symbol: "$NEW"}, nil
}

func TestAddContract_InsertRaceIsConflict(t *testing.T) {
	md := &racingMarket{t: t}
	s, db := testServer(t, &stubIngestor{}, md)
	md.db = db

	resp, body := doJSON(t, s, http.MethodPost, "/api/ca", map[string]any{"address": testMint})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already tracked", body["error"])

	// The concurrent winner's row survives untouched.
	stored, err := db.GetContract(testMint)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alpha_calls", stored.FirstSourceChannel)
}

func TestAddContract_RejectsInvalidAddress(t *testing.T) {
	s, _ := testServer(t, &stubIngestor{}, nil)

	for _, address := range []string{"", "tooshort", "has 0 and spaces"} {
		resp, _ := doJSON(t, s, http.MethodPost, "/api/ca", map[string]any{"address": address})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "address %q", address)
	}
}

func TestClearContracts(t *testing.T) {
	s, db := testServer(t, &stubIngestor{}, nil)
	seedContract(t, db, testMint, "alpha_calls")
	seedContract(t, db, otherMint, "alpha_calls")

	resp, body := doJSON(t, s, http.MethodDelete, "/api/ca/clear", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["deleted"])
}

func TestChannels(t *testing.T) {
	s, _ := testServer(t, &stubIngestor{}, nil)

	resp, body := doJSON(t, s, http.MethodPost, "/api/channels", map[string]any{"username": "alpha_calls"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alpha_calls", body["username"])
	assert.Equal(t, float64(50), body["credibility_score"])

	resp, body = doJSON(t, s, http.MethodGet, "/api/channels", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = doJSON(t, s, http.MethodDelete, "/api/channels/alpha_calls", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodDelete, "/api/channels/alpha_calls", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodPost, "/api/channels", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAlerts(t *testing.T) {
	s, db := testServer(t, &stubIngestor{}, nil)

	require.NoError(t, db.CreateAlert(&storage.Alert{
		Address: testMint, EntryMcap: 10000, CurrentMcap: 25000, Multiplier: 2.5, Threshold: 2.0,
	}))
	require.NoError(t, db.CreateAlert(&storage.Alert{
		Address: testMint, EntryMcap: 10000, CurrentMcap: 25000, Multiplier: 2.5, Threshold: 1.5,
	}))

	resp, body := doJSON(t, s, http.MethodGet, "/api/alerts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	alerts := body["alerts"].([]any)
	id := alerts[0].(map[string]any)["id"].(string)

	resp, _ = doJSON(t, s, http.MethodPost, "/api/alerts/"+id+"/read", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = doJSON(t, s, http.MethodGet, "/api/alerts?unread=true", nil)
	assert.Equal(t, float64(1), body["count"])

	resp, body = doJSON(t, s, http.MethodPost, "/api/alerts/read-all", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["marked"])

	_, body = doJSON(t, s, http.MethodGet, "/api/alerts?unread=true", nil)
	assert.Equal(t, float64(0), body["count"])

	resp, _ = doJSON(t, s, http.MethodPost, "/api/alerts/no-such-id/read", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscriptions(t *testing.T) {
	s, _ := testServer(t, &stubIngestor{}, nil)

	resp, _ := doJSON(t, s, http.MethodPost, "/api/subscriptions", map[string]any{
		"user_id": "user-1", "channel": "alpha_calls",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, s, http.MethodGet, "/api/subscriptions/user-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = doJSON(t, s, http.MethodDelete, "/api/subscriptions", map[string]any{
		"user_id": "user-1", "channel": "alpha_calls",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodDelete, "/api/subscriptions", map[string]any{
		"user_id": "user-1", "channel": "alpha_calls",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, s, http.MethodPost, "/api/subscriptions", map[string]any{"user_id": "user-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
