package email

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmerrifield20/medaudit/internal/webhooks"
	"go.uber.org/zap"
)

var subjects = map[string]string{
	webhooks.EventLedgerCorruption: "[medaudit] ledger corruption detected",
	webhooks.EventLedgerRecovered:  "[medaudit] ledger verification recovered",
	webhooks.EventTest:             "[medaudit] test alert",
}

// Alerter mails ledger alert events to a fixed recipient list.
type Alerter struct {
	sender     Sender
	recipients []string
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewAlerter creates an Alerter. With no recipients Notify does nothing.
func NewAlerter(sender Sender, recipients []string, logger *zap.Logger) *Alerter {
	return &Alerter{sender: sender, recipients: recipients, logger: logger}
}

// Notify mails eventType and payload to every recipient in the background.
// Failures are logged.
func (a *Alerter) Notify(ctx context.Context, eventType string, payload map[string]string) {
	if len(a.recipients) == 0 {
		return
	}
	subject, body := Render(eventType, payload)
	ctx = context.WithoutCancel(ctx)
	for _, to := range a.recipients {
		a.wg.Add(1)
		go func(to string) {
			defer a.wg.Done()
			if err := a.sender.Send(ctx, to, subject, body); err != nil {
				a.logger.Error("alert email failed",
					zap.String("to", to),
					zap.String("event", eventType),
					zap.Error(err),
				)
			}
		}(to)
	}
}

// Wait blocks until in-flight sends finish.
func (a *Alerter) Wait() { a.wg.Wait() }

// Render formats an alert as a subject line and a key: value body.
func Render(eventType string, payload map[string]string) (subject, body string) {
	subject, ok := subjects[eventType]
	if !ok {
		subject = "[medaudit] " + eventType
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", eventType)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, payload[k])
	}
	return subject, b.String()
}
