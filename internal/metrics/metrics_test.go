package metrics

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	reg.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestRegistryCount(t *testing.T) {
	reg := NewRegistry(slog.Default())

	reg.Count(CountEvent{ID: ConnectTotal})
	reg.Count(CountEvent{ID: ConnectTotal, Count: 2})
	reg.Count(CountEvent{
		ID:     TimeMicrosecondsTotal,
		Labels: map[string]string{"callback": "connect", "handler": "SPF"},
		Count:  1500,
	})

	body := scrape(t, reg)
	assert.Contains(t, body, "authmilter_connect_total 3")
	assert.Contains(t, body,
		`authmilter_time_microseconds_total{callback="connect",handler="SPF"} 1500`)
}

func TestRegistryUnknownIDDropped(t *testing.T) {
	reg := NewRegistry(slog.Default())
	reg.Count(CountEvent{ID: "authmilter_never_registered_total"})
	assert.NotContains(t, scrape(t, reg), "never_registered")
}

func TestRegistryMissingLabelsBecomeEmpty(t *testing.T) {
	reg := NewRegistry(slog.Default())
	reg.Count(CountEvent{
		ID:     CallbackErrorTotal,
		Labels: map[string]string{"stage": "connect", "type": "Timeout"},
	})
	body := scrape(t, reg)
	assert.Contains(t, body,
		`authmilter_callback_error_total{handler="",stage="connect",type="Timeout"} 1`)
}

func TestRegisterCounterIdempotent(t *testing.T) {
	reg := NewRegistry(slog.Default())
	reg.RegisterCounter("authmilter_spf_total", "SPF results", "result")
	// A second child registering the same id must not panic.
	assert.NotPanics(t, func() {
		reg.RegisterCounter("authmilter_spf_total", "SPF results", "result")
	})
	reg.Count(CountEvent{ID: "authmilter_spf_total", Labels: map[string]string{"result": "pass"}})
	assert.Contains(t, scrape(t, reg), `authmilter_spf_total{result="pass"} 1`)
}

func TestBusAggregation(t *testing.T) {
	logger := slog.Default()
	reg := NewRegistry(logger)
	bus := NewBus(logger)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx, reg) }()

	// Subscriptions race with the first publish; give Run a moment.
	time.Sleep(50 * time.Millisecond)

	bus.Count(CountEvent{ID: ConnectTotal})
	bus.Count(CountEvent{ID: ConnectTotal})

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, reg), "authmilter_connect_total 2")
	}, 2*time.Second, 20*time.Millisecond,
		"child events fold into the parent registry")
}
