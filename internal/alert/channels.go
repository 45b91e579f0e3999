package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"tradecore/internal/core"
	pkghttp "tradecore/pkg/http"
)

// Channel delivers one alert to one destination. Send returns the transport
// response code when it has one.
type Channel interface {
	Send(ctx context.Context, alert core.Alert, destination string) (int, error)
	Name() string
}

// WebhookChannel posts alerts as JSON to an HTTP endpoint. Transport-level
// retries live in the client; the hub still records one delivery attempt.
type WebhookChannel struct {
	client *pkghttp.Client
}

func NewWebhookChannel(timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		client: pkghttp.NewClient(timeout),
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, alert core.Alert, destination string) (int, error) {
	color := "#36a64f"
	switch alert.Severity {
	case core.Sev2:
		color = "#ffcc00"
	case core.Sev1:
		color = "#ff0000"
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Severity, alert.Type),
				"text":    alert.Summary,
				"fields": []map[string]interface{}{
					{"title": "account", "value": alert.AccountID, "short": true},
					{"title": "symbol", "value": alert.Symbol, "short": true},
					{"title": "strategy", "value": alert.StrategyID, "short": true},
				},
				"ts": alert.EventTimestamp.Unix(),
			},
		},
	}

	code, _, err := w.client.PostJSON(ctx, destination, payload)
	if err != nil {
		return code, fmt.Errorf("webhook delivery failed: %w", err)
	}
	return code, nil
}

// EmailChannel sends plain-text alert mail over SMTP.
type EmailChannel struct {
	from     string
	smtpAddr string
	send     func(addr, from string, to []string, msg []byte) error
}

func NewEmailChannel(from, smtpAddr string) *EmailChannel {
	return &EmailChannel{
		from:     from,
		smtpAddr: smtpAddr,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, alert core.Alert, destination string) (int, error) {
	if e.from == "" || e.smtpAddr == "" {
		return 0, fmt.Errorf("email channel not configured")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", e.from)
	fmt.Fprintf(&body, "To: %s\r\n", destination)
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n\r\n", alert.Severity, alert.Type)
	fmt.Fprintf(&body, "%s\r\n\r\n", alert.Summary)
	fmt.Fprintf(&body, "account: %s\r\nsymbol: %s\r\nstrategy: %s\r\ntime: %s\r\n",
		alert.AccountID, alert.Symbol, alert.StrategyID,
		alert.EventTimestamp.Format(time.RFC3339))
	if len(alert.Details) > 0 {
		fmt.Fprintf(&body, "\r\ndetails:\r\n%s\r\n", alert.Details)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.send(e.smtpAddr, e.from, []string{destination}, []byte(body.String()))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return 0, err
		}
		return 250, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
