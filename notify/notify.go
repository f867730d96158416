package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"tagwatch/api"
	"tagwatch/logger"
)

var log = logger.WithSubsystem("notify")

// NtfyConfig targets an ntfy topic URL, e.g. "https://ntfy.sh/my-updates".
type NtfyConfig struct {
	URL      string            `json:"url"`
	Priority string            `json:"priority,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// WebhookConfig posts the outcome payload to an arbitrary endpoint. The
// optional BodyTemplate replaces the default JSON body; $image, $old_version,
// $new_version, $event_kind, $digest expand inside it.
type WebhookConfig struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate string            `json:"body_template,omitempty"`
}

// Config enables zero or more notification channels.
type Config struct {
	Ntfy    *NtfyConfig    `json:"ntfy,omitempty"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

// Notifier fans update outcomes out to the configured channels. It satisfies
// api.EventSink. Delivery failures are logged and dropped: a down
// notification endpoint must never affect the check cycle.
type Notifier struct {
	cfg  Config
	http *http.Client
}

func NewNotifier(cfg Config) *Notifier {
	return &Notifier{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// payload is the wire body sent to webhooks and rendered for ntfy.
type payload struct {
	Image      string `json:"image"`
	EventKind  string `json:"event_kind"`
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Reason     string `json:"reason,omitempty"`
	AutoUpdate bool   `json:"auto_update"`
}

// Handle sends notifications for outcomes worth telling a human about.
// Routine no-change results stay quiet.
func (n *Notifier) Handle(ev api.Event) {
	if ev.Type != api.EventOutcome || ev.Outcome == nil {
		return
	}
	out := ev.Outcome
	switch out.Kind {
	case api.UpdateAvailable, api.UpdateApplied, api.UpdateFailed, api.RolledBack:
	default:
		return
	}

	p := payload{
		Image:      out.Image,
		EventKind:  string(out.Kind),
		OldVersion: out.OldVersion,
		NewVersion: out.NewVersion,
		Digest:     out.NewDigest,
		Reason:     out.Reason,
		AutoUpdate: out.AutoUpdate,
	}

	if n.cfg.Ntfy != nil && n.cfg.Ntfy.URL != "" {
		n.sendNtfy(p)
	}
	if n.cfg.Webhook != nil && n.cfg.Webhook.URL != "" {
		n.sendWebhook(p)
	}
}

func (n *Notifier) sendNtfy(p payload) {
	req, err := http.NewRequest(http.MethodPost, n.cfg.Ntfy.URL, strings.NewReader(ntfyBody(p)))
	if err != nil {
		log.Warnf("ntfy: build request: %v", err)
		return
	}
	req.Header.Set("Title", ntfyTitle(p))
	req.Header.Set("Tags", ntfyTag(p))
	if n.cfg.Ntfy.Priority != "" {
		req.Header.Set("Priority", n.cfg.Ntfy.Priority)
	}
	for k, v := range n.cfg.Ntfy.Headers {
		req.Header.Set(k, v)
	}
	n.deliver("ntfy", req)
}

func ntfyTitle(p payload) string {
	switch api.OutcomeKind(p.EventKind) {
	case api.UpdateApplied:
		return fmt.Sprintf("Updated %s", p.Image)
	case api.RolledBack:
		return fmt.Sprintf("Rolled back %s", p.Image)
	case api.UpdateFailed:
		return fmt.Sprintf("Update failed for %s", p.Image)
	default:
		return fmt.Sprintf("Update available for %s", p.Image)
	}
}

func ntfyTag(p payload) string {
	switch api.OutcomeKind(p.EventKind) {
	case api.UpdateApplied:
		return "white_check_mark"
	case api.UpdateFailed, api.RolledBack:
		return "warning"
	default:
		return "package"
	}
}

func ntfyBody(p payload) string {
	var b strings.Builder
	if p.OldVersion != "" && p.NewVersion != "" && p.OldVersion != p.NewVersion {
		fmt.Fprintf(&b, "%s -> %s", p.OldVersion, p.NewVersion)
	} else if p.NewVersion != "" {
		fmt.Fprintf(&b, "version %s", p.NewVersion)
	}
	if p.Digest != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "digest %s", p.Digest)
	}
	if p.Reason != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Reason)
	}
	if b.Len() == 0 {
		b.WriteString(p.Image)
	}
	return b.String()
}

func (n *Notifier) sendWebhook(p payload) {
	w := n.cfg.Webhook

	var body []byte
	contentType := "application/json"
	if w.BodyTemplate != "" {
		body = []byte(expandTemplate(w.BodyTemplate, p))
	} else {
		var err error
		body, err = json.Marshal(p)
		if err != nil {
			log.Warnf("webhook: encode payload: %v", err)
			return
		}
	}

	method := w.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, w.URL, bytes.NewReader(body))
	if err != nil {
		log.Warnf("webhook: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	n.deliver("webhook", req)
}

// expandTemplate substitutes $image, $old_version, $new_version, $event_kind,
// $digest and $reason in a user-supplied body template. Unknown variables
// expand to "".
func expandTemplate(tmpl string, p payload) string {
	vars := map[string]string{
		"image":       p.Image,
		"old_version": p.OldVersion,
		"new_version": p.NewVersion,
		"event_kind":  p.EventKind,
		"digest":      p.Digest,
		"reason":      p.Reason,
	}
	return os.Expand(tmpl, func(key string) string {
		return vars[key]
	})
}

func (n *Notifier) deliver(channel string, req *http.Request) {
	resp, err := n.http.Do(req)
	if err != nil {
		log.Warnf("%s: delivery failed: %v", channel, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warnf("%s: delivery returned %d", channel, resp.StatusCode)
		return
	}
	log.Debugf("%s: notification delivered", channel)
}
