package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message is one inbound (source, raw-text) pair from the telegram bridge.
// Ordering is preserved per channel by the bridge, not across channels.
type Message struct {
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Consumer maintains a websocket connection to the telegram bridge and
// emits messages on a buffered channel. The connection/session management
// itself lives in the bridge process; this side only reads frames.
type Consumer struct {
	url   string
	delay time.Duration
	out   chan *Message

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConsumer creates a bridge consumer. Run starts it.
func NewConsumer(url string, reconnectDelay time.Duration, buffer int) *Consumer {
	if reconnectDelay == 0 {
		reconnectDelay = 1 * time.Second
	}
	if buffer == 0 {
		buffer = 100
	}
	return &Consumer{
		url:    url,
		delay:  reconnectDelay,
		out:    make(chan *Message, buffer),
		stopCh: make(chan struct{}),
	}
}

// Messages returns the stream of inbound messages.
func (c *Consumer) Messages() <-chan *Message {
	return c.out
}

// Stop closes the consumer. The messages channel is closed once the read
// loop exits.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Run dials the bridge and reads frames until ctx is cancelled or Stop is
// called, reconnecting with capped exponential backoff on any failure.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.out)

	backoff := c.delay
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", c.url).Dur("retry", backoff).Msg("bridge dial failed")
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		log.Info().Str("url", c.url).Msg("connected to telegram bridge")
		backoff = c.delay

		c.readLoop(ctx, conn)
		conn.Close()
	}
}

func (c *Consumer) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when we are told to stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		case <-done:
			return
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("bridge connection lost")
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("skipping malformed bridge frame")
			continue
		}
		if msg.Channel == "" {
			continue
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().Unix()
		}

		select {
		case c.out <- &msg:
		default:
			log.Warn().Str("channel", msg.Channel).Msg("message buffer full, dropping")
		}
	}
}
