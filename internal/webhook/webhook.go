// Package webhook delivers lifecycle events to an HTTP endpoint as signed
// JSON POSTs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	x402 "github.com/protocolbanks/x402"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultTimeout     = 10 * time.Second
)

// ErrQueueFull is returned by Hook when the delivery queue is saturated.
var ErrQueueFull = errors.New("webhook: delivery queue full")

// Payload is the JSON body of a delivery.
type Payload struct {
	ID        string         `json:"id"`
	Type      x402.EventType `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      PayloadData    `json:"data"`
}

type PayloadData struct {
	Authorization *x402.Authorization `json:"authorization,omitempty"`
	Settlement    *x402.Settlement    `json:"settlement,omitempty"`
}

// Notifier queues lifecycle events and POSTs them from a single worker.
type Notifier struct {
	url         string
	secret      string
	client      *http.Client
	logger      zerolog.Logger
	queue       chan x402.LifecycleEvent
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// Option configures a Notifier
type Option func(*Notifier)

// WithHTTPClient sets the HTTP client used for deliveries
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		n.client = c
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

// WithRetry sets the attempt count and the base delay between attempts
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(n *Notifier) {
		if maxAttempts > 0 {
			n.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			n.backoff = backoff
		}
	}
}

// WithQueueSize sets the capacity of the delivery queue
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan x402.LifecycleEvent, size)
		}
	}
}

func New(url, secret string, opts ...Option) *Notifier {
	n := &Notifier{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: defaultTimeout},
		logger:      log.Logger,
		queue:       make(chan x402.LifecycleEvent, defaultQueueSize),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Hook is an x402.LifecycleHook. It never blocks the lifecycle: when the
// queue is full the event is dropped and ErrQueueFull returned.
func (n *Notifier) Hook(event x402.LifecycleEvent) error {
	select {
	case n.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// left with a short deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case event := <-n.queue:
			n.deliverLogged(ctx, event)
		case <-ctx.Done():
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	for {
		select {
		case event := <-n.queue:
			n.deliverLogged(ctx, event)
		default:
			return
		}
	}
}

func (n *Notifier) deliverLogged(ctx context.Context, event x402.LifecycleEvent) {
	if err := n.Deliver(ctx, event); err != nil {
		ev := n.logger.Error().Err(err).Str("event", string(event.Type))
		if event.Authorization != nil {
			ev = ev.Str("authorization_id", event.Authorization.ID)
		}
		ev.Msg("webhook delivery failed")
	}
}

// Deliver POSTs one event, retrying transport errors and 5xx responses.
func (n *Notifier) Deliver(ctx context.Context, event x402.LifecycleEvent) error {
	body, err := json.Marshal(Payload{
		ID:        uuid.NewString(),
		Type:      event.Type,
		Timestamp: event.Timestamp.Unix(),
		Data: PayloadData{
			Authorization: event.Authorization,
			Settlement:    event.Settlement,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		retry, err := n.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == n.maxAttempts {
			break
		}

		n.logger.Debug().Err(err).Int("attempt", attempt).Msg("webhook delivery retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.backoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	timestamp := n.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, FormatHeader(timestamp, Sign(n.secret, timestamp, body)))

	resp, err := n.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
}
