package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagwatch/api"
)

func outcomeEvent(kind api.OutcomeKind) api.Event {
	return api.Event{
		Type:    api.EventOutcome,
		CycleID: "cycle-1",
		Outcome: &api.UpdateOutcome{
			Image:      "linuxserver/sonarr",
			Kind:       kind,
			OldVersion: "4.0.14",
			NewVersion: "4.0.15",
			NewDigest:  "sha256:bbb",
		},
	}
}

func TestNtfyDelivery(t *testing.T) {
	var gotTitle, gotPriority, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Ntfy: &NtfyConfig{URL: srv.URL, Priority: "high"}})
	n.Handle(outcomeEvent(api.UpdateApplied))

	assert.Equal(t, "Updated linuxserver/sonarr", gotTitle)
	assert.Equal(t, "high", gotPriority)
	assert.Contains(t, gotBody, "4.0.14 -> 4.0.15")
	assert.Contains(t, gotBody, "sha256:bbb")
}

func TestWebhookDefaultPayload(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := NewNotifier(Config{Webhook: &WebhookConfig{URL: srv.URL}})
	n.Handle(outcomeEvent(api.UpdateAvailable))

	assert.Equal(t, "linuxserver/sonarr", got.Image)
	assert.Equal(t, "update_available", got.EventKind)
	assert.Equal(t, "4.0.15", got.NewVersion)
}

func TestWebhookBodyTemplate(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Webhook: &WebhookConfig{
		URL:          srv.URL,
		BodyTemplate: `{"text": "$image: $old_version to $new_version"}`,
	}})
	n.Handle(outcomeEvent(api.UpdateApplied))

	assert.Equal(t, `{"text": "linuxserver/sonarr: 4.0.14 to 4.0.15"}`, gotBody)
}

func TestNoChangeStaysQuiet(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := NewNotifier(Config{
		Ntfy:    &NtfyConfig{URL: srv.URL},
		Webhook: &WebhookConfig{URL: srv.URL},
	})
	n.Handle(outcomeEvent(api.NoChangeDetected))
	n.Handle(api.Event{Type: api.EventCycleStarted, CycleID: "cycle-1"})

	assert.False(t, called)
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Ntfy: &NtfyConfig{URL: srv.URL}})
	assert.NotPanics(t, func() {
		n.Handle(outcomeEvent(api.RolledBack))
	})
}
