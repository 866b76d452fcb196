package messaging

import (
	"context"

	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/pkg/logger"
)

// LogMessenger writes outbound messages to the structured log. Used in dev
// when no chat channel is attached.
type LogMessenger struct {
	logs *logger.Logger
}

func NewLogMessenger(logs *logger.Logger) *LogMessenger {
	return &LogMessenger{logs: logs}
}

func (m *LogMessenger) Notify(ctx context.Context, customerID string, msg domain.Message) error {
	ctx = m.logs.WithFields(ctx, map[string]any{
		"customer_id":  customerID,
		"message_kind": string(msg.Kind),
		"text":         msg.Text,
		"image_url":    msg.ImageURL,
	})
	m.logs.Info(ctx, "outbound message")
	return nil
}
