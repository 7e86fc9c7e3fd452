// Package meterclient fires pay-as-you-go usage events at Stripe's meter
// events API. Delivery is fire-and-forget: a failed send is logged and
// dropped, never retried and never surfaced to the caller (spec.md §4.7,
// §7 — metering never blocks or fails a request).
package meterclient

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// MeterEvent is one pay-as-you-go usage event (spec.md §4.7).
type MeterEvent struct {
	EventName      string // EventNamePaygApp or EventNamePaygUser
	StripeCustomer string
	IdempotencyKey string
	TimestampUnix  int64
}

// The two event kinds billingcore.RecordPaygUsage emits. Each carries a
// distinct Stripe meter payload field (spec.md §6: "payload[value|users]=1").
const (
	EventNamePaygApp  = "pay_as_you_go_app"
	EventNamePaygUser = "pay_as_you_go_user"
)

// Client sends meter events to Stripe. Implementations must not block the
// caller beyond enqueueing and must never return an error that a caller
// could mistake for a policy decision.
type Client interface {
	SendMeterEvent(ev MeterEvent)
}

// NoopClient drops every event; used when no Stripe key is configured.
type NoopClient struct{}

func (NoopClient) SendMeterEvent(MeterEvent) {}

const meterEventsURL = "https://api.stripe.com/v1/billing/meter_events"

// StripeMeterClient posts meter events to Stripe's API from a small fixed
// worker pool fed by a bounded queue, the way webhooks.Dispatcher feeds
// its delivery workers — but with no retry loop: a dropped or failed
// event is logged and forgotten (spec.md §4.7).
type StripeMeterClient struct {
	secretKey  string
	httpClient *http.Client
	queue      chan MeterEvent
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewStripeMeterClient starts a StripeMeterClient with the given number
// of workers (4 if workers <= 0) draining a bounded queue of depth 256.
func NewStripeMeterClient(secretKey string, workers int, logger *slog.Logger) *StripeMeterClient {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &StripeMeterClient{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan MeterEvent, 256),
		logger:     logger.With("component", "meter_client"),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// SendMeterEvent implements Client. It enqueues the event for background
// delivery; if the queue is full the event is logged and dropped rather
// than blocking the caller.
func (c *StripeMeterClient) SendMeterEvent(ev MeterEvent) {
	select {
	case c.queue <- ev:
	default:
		c.logger.Warn("meter event queue full, dropping", "event", ev.EventName, "idempotency_key", ev.IdempotencyKey)
	}
}

func (c *StripeMeterClient) worker() {
	defer c.wg.Done()
	for ev := range c.queue {
		c.deliver(ev)
	}
}

// buildMeterForm encodes ev into the form body Stripe's meter events API
// expects. The payload quantity field name depends on the event kind
// (spec.md §6): app events report payload[value], user events report
// payload[users].
func buildMeterForm(ev MeterEvent) url.Values {
	form := url.Values{}
	form.Set("event_name", ev.EventName)
	form.Set("identifier", ev.IdempotencyKey)
	form.Set("timestamp", fmt.Sprintf("%d", ev.TimestampUnix))
	form.Set("payload[stripe_customer_id]", ev.StripeCustomer)

	switch ev.EventName {
	case EventNamePaygUser:
		form.Set("payload[users]", "1")
	default:
		form.Set("payload[value]", "1")
	}
	return form
}

func (c *StripeMeterClient) deliver(ev MeterEvent) {
	c.deliverTo(meterEventsURL, ev)
}

// deliverTo posts ev to endpoint; split out from deliver so tests can
// point it at an httptest.Server instead of Stripe's real API.
func (c *StripeMeterClient) deliverTo(endpoint string, ev MeterEvent) {
	form := buildMeterForm(ev)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		c.logger.Error("failed to build meter event request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("meter event delivery failed", "event", ev.EventName, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.logger.Warn("meter event rejected", "event", ev.EventName, "status", resp.StatusCode, "idempotency_key", ev.IdempotencyKey)
	}
}

// Shutdown drains the queue and waits for in-flight deliveries to finish.
func (c *StripeMeterClient) Shutdown() {
	close(c.queue)
	c.wg.Wait()
}
