package notify

import (
	"context"

	"go.uber.org/zap"
)

// Mailer delivers a notification to its recipients
type Mailer interface {
	// Name identifies the mailer in logs and metrics
	Name() string

	// Send delivers n. Implementations treat an empty recipient list as a no-op.
	Send(ctx context.Context, n Notification) error
}

// LogMailer writes notifications to the log instead of delivering them
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a LogMailer
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mailer")}
}

// Name implements Mailer
func (m *LogMailer) Name() string { return "log" }

// Send implements Mailer
func (m *LogMailer) Send(_ context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	m.logger.Info("notification",
		zap.Strings("to", n.Recipients),
		zap.String("subject", n.Subject),
		zap.String("problem_id", n.ProblemID),
		zap.String("problem_url", n.ProblemURL))
	return nil
}
