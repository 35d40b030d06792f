package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// ErrNoData is returned when neither provider has usable market data for an
// address. Callers treat it as "unknown value", not a hard failure.
var ErrNoData = errors.New("market: no data from any provider")

// TokenInfo is the market snapshot for one token.
type TokenInfo struct {
	MarketCap float64
	Symbol    string // "$PEPE" style, may be empty
}

// httpClientPool provides HTTP/2 connection pooling across providers.
type httpClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

func newHTTPClientPool(size int, timeout time.Duration) *httpClientPool {
	pool := &httpClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	return pool
}

func (p *httpClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

func (p *httpClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// Config for the market data client.
type Config struct {
	BirdeyeURL     string // primary provider
	DexScreenerURL string // fallback provider
	APIKey         string // birdeye key
	Timeout        time.Duration
}

// Client fetches token market data, Birdeye first, DexScreener on failure
// or missing data.
type Client struct {
	cfg  Config
	pool *httpClientPool
}

// NewClient creates a market data client.
func NewClient(cfg Config) *Client {
	if cfg.BirdeyeURL == "" {
		cfg.BirdeyeURL = "https://public-api.birdeye.so/defi/token_overview"
	}
	if cfg.DexScreenerURL == "" {
		cfg.DexScreenerURL = "https://api.dexscreener.com/latest/dex/tokens"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:  cfg,
		pool: newHTTPClientPool(4, cfg.Timeout),
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}

// FetchTokenInfo returns current market cap and symbol for a token. Providers
// are tried in fixed priority order; ErrNoData only when both come up empty.
func (c *Client) FetchTokenInfo(ctx context.Context, address string) (*TokenInfo, error) {
	if info, err := c.fetchBirdeye(ctx, address); err == nil {
		return info, nil
	} else {
		log.Debug().Err(err).Str("address", truncate(address)).Msg("birdeye lookup failed, trying dexscreener")
	}

	info, err := c.fetchDexScreener(ctx, address)
	if err != nil {
		log.Debug().Err(err).Str("address", truncate(address)).Msg("dexscreener lookup failed")
		return nil, ErrNoData
	}
	return info, nil
}

// FetchMarketCap returns just the current market cap for a token.
func (c *Client) FetchMarketCap(ctx context.Context, address string) (float64, error) {
	info, err := c.FetchTokenInfo(ctx, address)
	if err != nil {
		return 0, err
	}
	return info.MarketCap, nil
}

type birdeyeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Symbol    string  `json:"symbol"`
		MarketCap float64 `json:"marketCap"`
		MC        float64 `json:"mc"`
		RealMC    float64 `json:"realMc"`
		FDV       float64 `json:"fdv"`
	} `json:"data"`
}

func (c *Client) fetchBirdeye(ctx context.Context, address string) (*TokenInfo, error) {
	url := fmt.Sprintf("%s?address=%s", c.cfg.BirdeyeURL, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	req.Header.Set("x-chain", "solana")

	resp, err := c.pool.Get().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("birdeye status %d", resp.StatusCode)
	}

	var payload birdeyeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !payload.Success {
		return nil, errors.New("birdeye reported failure")
	}

	// mc is usually populated; realMc and fdv cover fresh listings.
	mcap := firstPositive(payload.Data.MarketCap, payload.Data.MC, payload.Data.RealMC, payload.Data.FDV)
	if mcap <= 0 {
		return nil, errors.New("birdeye has no market cap")
	}

	return &TokenInfo{MarketCap: mcap, Symbol: dollarSymbol(payload.Data.Symbol)}, nil
}

type dexScreenerResponse struct {
	Pairs []struct {
		BaseToken struct {
			Symbol string `json:"symbol"`
		} `json:"baseToken"`
		MarketCap float64 `json:"marketCap"`
		FDV       float64 `json:"fdv"`
	} `json:"pairs"`
}

func (c *Client) fetchDexScreener(ctx context.Context, address string) (*TokenInfo, error) {
	url := fmt.Sprintf("%s/%s", c.cfg.DexScreenerURL, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.pool.Get().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dexscreener status %d", resp.StatusCode)
	}

	var payload dexScreenerResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Pairs) == 0 {
		return nil, errors.New("dexscreener has no pairs")
	}

	pair := payload.Pairs[0]
	mcap := firstPositive(pair.MarketCap, pair.FDV)
	if mcap <= 0 {
		return nil, errors.New("dexscreener has no market cap")
	}

	return &TokenInfo{MarketCap: mcap, Symbol: dollarSymbol(pair.BaseToken.Symbol)}, nil
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func dollarSymbol(symbol string) string {
	if symbol == "" {
		return ""
	}
	return "$" + symbol
}

func truncate(address string) string {
	if len(address) <= 8 {
		return address
	}
	return address[:8]
}
