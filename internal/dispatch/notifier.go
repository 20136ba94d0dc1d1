package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"giftguard/internal/model"
)

// LogNotifier writes the notification to the log instead of sending it.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev model.FraudEvent) model.DeliveryResult {
	id := uuid.NewString()
	if n.Logger != nil {
		n.Logger.Info("fraud notification",
			"message_id", id,
			"event_id", ev.ID,
			"reason", ev.Reason,
			"gan", ev.GAN,
			"ip", ev.IPAddress,
			"merchant_id", ev.MerchantID,
		)
	}
	return model.DeliveryResult{Success: true, Method: "log", MessageID: id}
}
