// Package webhook forwards call lifecycle events to external HTTP endpoints.
// Payloads are signed with HMAC-SHA256 and failed deliveries are retried
// with increasing delays.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/platform/websocket"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Callmanager-Event"
	HeaderDelivery  = "X-Callmanager-Delivery"
	HeaderSignature = "X-Callmanager-Signature"
	HeaderTimestamp = "X-Callmanager-Timestamp"
)

var (
	ErrQueueFull = errors.New("webhook: delivery queue full")
	ErrClosed    = errors.New("webhook: dispatcher closed")
)

// Endpoint is a configured delivery target. Events holds subscription
// patterns; an empty list receives everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// eventMatches reports whether eventType matches a subscription pattern.
// Patterns can be exact ("call.completed"), "*", or wildcards like "call.*"
// and "*.completed".
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// WithQueueSize bounds the number of pending deliveries.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

type job struct {
	endpoint Endpoint
	event    websocket.Event
	payload  []byte
}

// Stats counts delivery outcomes since start.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher is a websocket.EventPublisher that delivers events to webhook
// endpoints on background workers. Publish never blocks on the network.
type Dispatcher struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	queueSize   int
	workers     int
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	abort  chan struct{}
	wg     sync.WaitGroup

	delivered, failed, dropped atomic.Int64
}

// NewDispatcher validates endpoints and starts the delivery workers.
func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook endpoint %q: %w", ep.URL, err)
		}
	}
	d := &Dispatcher{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queueSize:   256,
		workers:     2,
		logger:      logger,
		abort:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	d.queue = make(chan job, d.queueSize)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d, nil
}

// Publish queues ev for every endpoint subscribed to its type.
func (d *Dispatcher) Publish(_ context.Context, ev websocket.Event) error {
	var payload []byte
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	for _, ep := range d.endpoints {
		if !ep.wants(ev.Type) {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = json.Marshal(ev); err != nil {
				return err
			}
		}
		select {
		case d.queue <- job{endpoint: ep, event: ev, payload: payload}:
		default:
			d.dropped.Add(1)
			return ErrQueueFull
		}
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries. When ctx
// ends first, pending retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(d.abort)
		<-done
		return ctx.Err()
	}
}

// Stats returns the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Delivered: d.delivered.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	log := d.logger.With().Str("url", j.endpoint.URL).Str("event", j.event.Type).Str("call_id", j.event.CallID).Logger()
	deliveryID := uuid.NewString()
	for attempt := 0; ; attempt++ {
		status, err := d.deliver(j, deliveryID)
		if err == nil {
			d.delivered.Add(1)
			log.Debug().Int("status", status).Int("attempt", attempt+1).Msg("webhook delivered")
			return
		}
		if attempt >= d.maxRetries {
			d.failed.Add(1)
			log.Error().Err(err).Int("attempts", attempt+1).Msg("webhook delivery failed")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("webhook delivery failed; retrying")
		select {
		case <-time.After(d.retryDelay(attempt)):
		case <-d.abort:
			d.failed.Add(1)
			return
		}
	}
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	if len(d.retryDelays) == 0 {
		return 0
	}
	if attempt >= len(d.retryDelays) {
		return d.retryDelays[len(d.retryDelays)-1]
	}
	return d.retryDelays[attempt]
}

// deliver POSTs one signed payload. Non-2xx responses are errors.
func (d *Dispatcher) deliver(j job, deliveryID string) (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint.URL, bytes.NewReader(j.payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, j.event.Type)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))
	if j.endpoint.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(j.payload, j.endpoint.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
