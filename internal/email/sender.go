// Package email delivers ledger alerts by mail, alongside the webhook
// dispatcher.
package email

import "context"

// Sender delivers a plain-text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}
