package meterclient

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFormBody(body string) (url.Values, error) {
	return url.ParseQuery(body)
}

func TestNoopClient_DropsEventsSilently(t *testing.T) {
	var client Client = NoopClient{}
	assert.NotPanics(t, func() {
		client.SendMeterEvent(MeterEvent{EventName: "pay_as_you_go_app"})
	})
}

func TestStripeMeterClient_SendMeterEventDropsWhenQueueFull(t *testing.T) {
	// Construct directly with no workers draining the queue, so the queue
	// fills up and the next send must hit the default branch instead of
	// blocking the caller.
	c := &StripeMeterClient{
		queue:  make(chan MeterEvent, 1),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	c.SendMeterEvent(MeterEvent{EventName: "pay_as_you_go_app", IdempotencyKey: "k1"})

	done := make(chan struct{})
	go func() {
		c.SendMeterEvent(MeterEvent{EventName: "pay_as_you_go_user", IdempotencyKey: "k2"})
		close(done)
	}()
	<-done // must return promptly: a full queue drops rather than blocks

	assert.Len(t, c.queue, 1)
	queued := <-c.queue
	assert.Equal(t, "k1", queued.IdempotencyKey)
}

func TestNewStripeMeterClient_ZeroWorkersConstructsAndShutsDown(t *testing.T) {
	c := NewStripeMeterClient("sk_test", 0, nil)
	defer c.Shutdown()
	assert.NotNil(t, c)
}

func TestBuildMeterForm_AppEventUsesValueField(t *testing.T) {
	form := buildMeterForm(MeterEvent{
		EventName:      EventNamePaygApp,
		StripeCustomer: "cus_123",
		IdempotencyKey: "org-1_2026-03_app_a1|acme",
		TimestampUnix:  1000,
	})

	assert.Equal(t, "1", form.Get("payload[value]"))
	assert.Empty(t, form.Get("payload[users]"))
	assert.Equal(t, EventNamePaygApp, form.Get("event_name"))
	assert.Equal(t, "cus_123", form.Get("payload[stripe_customer_id]"))
}

func TestBuildMeterForm_UserEventUsesUsersField(t *testing.T) {
	form := buildMeterForm(MeterEvent{
		EventName:      EventNamePaygUser,
		StripeCustomer: "cus_123",
		IdempotencyKey: "org-1_2026-03_user_dev@acme.com",
		TimestampUnix:  1000,
	})

	assert.Equal(t, "1", form.Get("payload[users]"))
	assert.Empty(t, form.Get("payload[value]"))
}

func TestStripeMeterClient_DeliverPostsExpectedFormBody(t *testing.T) {
	received := make(chan http.Header, 1)
	receivedBody := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r.Header
		receivedBody <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &StripeMeterClient{
		secretKey:  "sk_test",
		httpClient: srv.Client(),
		queue:      make(chan MeterEvent, 1),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	c.deliverTo(srv.URL, MeterEvent{
		EventName:      EventNamePaygUser,
		StripeCustomer: "cus_123",
		IdempotencyKey: "org-1_2026-03_user_dev@acme.com",
		TimestampUnix:  1700000000,
	})

	select {
	case body := <-receivedBody:
		form, err := parseFormBody(body)
		require.NoError(t, err)
		assert.Equal(t, "1", form.Get("payload[users]"))
		assert.Empty(t, form.Get("payload[value]"))
		assert.Equal(t, EventNamePaygUser, form.Get("event_name"))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received a request")
	}
}
