package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hyperion-flux/aptsim/pkg/store"
)

// Notifier delivers run lifecycle notifications to registered webhooks.
// Delivery is best-effort: failures are logged and not retried.
type Notifier struct {
	store store.Store
	http  *http.Client
}

func NewNotifier(st store.Store) *Notifier {
	return &Notifier{
		store: st,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// webhookPayload is the body POSTed to subscribers.
type webhookPayload struct {
	Event string     `json:"event"`
	Run   *store.Run `json:"run"`
	Ts    time.Time  `json:"ts"`
}

// RunTerminal notifies subscribers that a run reached a terminal state.
// The event name is "run.<status>", e.g. "run.completed".
func (n *Notifier) RunTerminal(ctx context.Context, run *store.Run) {
	event := "run." + string(run.Status)

	hooks, err := n.store.ListWebhooks(ctx)
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_list_webhooks","error":"%v"}`+"\n", err)
		return
	}

	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(webhookPayload{Event: event, Run: run, Ts: time.Now().UTC()})
	if err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_marshal_webhook_payload","error":"%v"}`+"\n", err)
		return
	}

	for _, hook := range hooks {
		if !subscribed(hook, event) {
			continue
		}
		if err := n.deliver(ctx, hook, body); err != nil {
			fmt.Printf(`{"level":"error","msg":"webhook_delivery_failed","webhook_id":"%s","error":"%v"}`+"\n", hook.WebhookID, err)
		}
	}
}

// subscribed reports whether the hook wants this event. An empty event
// list means "everything".
func subscribed(hook *store.WebhookConfig, event string) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (n *Notifier) deliver(ctx context.Context, hook *store.WebhookConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aptsim-Signature", sign(hook.Secret, body))

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of the body under the hook's secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
