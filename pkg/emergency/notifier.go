package emergency

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/httpx"
	"github.com/HCKM-Team/Hackers.Market-MVP-sub001/pkg/telemetry"
)

// LogNotifier writes activations to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Activation) error {
	log.Printf("emergency: escrow %s locked by %s for %s, contacts=%s", a.EscrowID, a.Subject, a.Extension, strings.Join(a.Contacts, ","))
	return nil
}

// WebhookNotifier posts the activation as JSON to an alerting endpoint.
type WebhookNotifier struct {
	Client   *http.Client
	Endpoint string
	Headers  map[string]string
	// Retries applies to transport errors and 5xx responses.
	Retries int
}

func (n WebhookNotifier) Notify(ctx context.Context, a Activation) error {
	if strings.TrimSpace(n.Endpoint) == "" {
		return fmt.Errorf("webhook endpoint required")
	}
	client := n.Client
	if client == nil {
		client = telemetry.InstrumentClient(nil)
	}
	err := httpx.DoJSON(ctx, client, http.MethodPost, n.Endpoint, a, nil, n.Headers, n.Retries, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("emergency webhook: %w", err)
	}
	return nil
}

// MultiNotifier fans out to every notifier and reports the first failure.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, a Activation) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
