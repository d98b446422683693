package notify

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/logging"
)

func criticalAlert() api.Alert {
	return api.Alert{
		Type:           api.AlertCritical,
		Date:           time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		Weekday:        "Monday",
		PredictedHours: 65,
		Message:        "Demanda crítica: 65.0h. Requiere personal adicional urgente.",
		Action:         "Activar protocolo de personal de emergencia",
		Priority:       1,
	}
}

func TestSlackNotifierPosts(t *testing.T) {
	var channel, text string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		calls++
		channel = r.FormValue("channel")
		text = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1717390800.000100"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, n.NotifyCritical(context.Background(), "run-1", []api.Alert{criticalAlert()}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "C123", channel)
	assert.Contains(t, text, "1 alertas críticas")

	require.NoError(t, n.NotifyCritical(context.Background(), "run-2", nil))
	assert.Equal(t, 1, calls)
}

func TestSlackNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C404", slack.OptionAPIURL(srv.URL+"/"))
	err := n.NotifyCritical(context.Background(), "run-1", []api.Alert{criticalAlert()})
	assert.ErrorContains(t, err, "channel_not_found")
}

func TestLogNotifierAndMulti(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{LogNotifier{Logger: logging.New(&buf, false)}}
	require.NoError(t, m.NotifyCritical(context.Background(), "run-1", []api.Alert{criticalAlert()}))
	assert.Contains(t, buf.String(), "CRITICA 2024-06-03")
}
