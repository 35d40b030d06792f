package health

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Error   string
}

// Checker periodically checks health of system components
type Checker struct {
	mu        sync.RWMutex
	statuses  []Status
	marketURL string // market data provider endpoint
	bridgeURL string // telegram bridge endpoint, may be empty
}

// NewChecker creates a new health checker
func NewChecker(marketURL, bridgeURL string) *Checker {
	return &Checker{
		marketURL: marketURL,
		bridgeURL: bridgeURL,
	}
}

// Start begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check()
			}
		}
	}()

	// Initial check
	c.check()
}

func (c *Checker) check() {
	statuses := []Status{
		c.probe("Market", c.marketURL),
	}
	if c.bridgeURL != "" {
		statuses = append(statuses, c.probe("Bridge", c.bridgeURL))
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) probe(name, url string) Status {
	start := time.Now()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	latency := time.Since(start)
	if resp != nil {
		resp.Body.Close()
	}

	status := Status{
		Name:    name,
		Latency: latency,
		Healthy: err == nil,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// GetStatuses returns current health statuses
func (c *Checker) GetStatuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses
}
