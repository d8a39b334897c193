package email

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs messages instead of delivering them. ledgerd uses it when
// no SMTP host is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender backed by the given logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and returns nil.
func (n *LogSender) Send(_ context.Context, to, subject, body string) error {
	n.logger.Info("alert email (not sent, no smtp host)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
