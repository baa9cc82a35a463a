package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRecordTransition(t *testing.T) {
	m := New()
	m.SetState("disarmed", []string{"disarmed", "watching", "warning"})
	m.RecordTransition("attach", "disarmed", "watching")
	m.RecordTransition("idle", "watching", "warning")

	body := scrape(t, m)
	assert.Contains(t, body, `idleguard_transitions_total{event="idle",from="watching",to="warning"} 1`)
	assert.Contains(t, body, `idleguard_state{state="warning"} 1`)
	assert.Contains(t, body, `idleguard_state{state="watching"} 0`)
	assert.Contains(t, body, `idleguard_state{state="disarmed"} 0`)
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordAction("logout", "ok")
	m.RecordFetch("empty")
	m.RecordFetch("empty")
	m.RecordSignal("click")
	m.SetCountdown(7)
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	body := scrape(t, m)
	assert.Contains(t, body, `idleguard_actions_total{action="logout",result="ok"} 1`)
	assert.Contains(t, body, `idleguard_settings_fetch_total{result="empty"} 2`)
	assert.Contains(t, body, `idleguard_signals_total{kind="click"} 1`)
	assert.Contains(t, body, "idleguard_countdown_remaining_seconds 7")
	assert.Contains(t, body, "idleguard_event_clients 1")
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/status", "200")
	m.ObserveDuration("/v1/status", 0.01)

	body := scrape(t, m)
	assert.Contains(t, body, `idleguard_requests_total{endpoint="/v1/status",status="200"} 1`)
	assert.Contains(t, body, "idleguard_request_duration_seconds_bucket")
}
