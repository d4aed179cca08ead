package services

import (
	"context"
	"time"

	"github.com/irfndi/hrguard/internal/utils"
	"go.uber.org/zap"
)

// LogSink writes issued codes to the log with the code masked. It is meant for
// local development where no notifier is running.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "code_sink"))}
}

func (s *LogSink) Deliver(_ context.Context, principalID, code string, expiresAt time.Time) error {
	s.logger.Info("one-time code ready for delivery",
		zap.String("principal_id", principalID),
		zap.String("code", utils.MaskCode(code)),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}
