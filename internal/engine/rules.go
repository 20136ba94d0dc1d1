package engine

import (
	"context"
	"errors"

	"giftguard/internal/config"
	"giftguard/internal/model"
	"giftguard/internal/storage"
)

type rule struct {
	name    string
	reason  model.Reason
	enabled bool
	eval    func(ctx context.Context, a model.Attempt) (bool, error)
}

// rules returns the detection rules in evaluation order. The order is part
// of the contract: the first match decides the reason.
func (e *Engine) rules(cfg config.DetectionConfig) []rule {
	return []rule{
		{
			name:    "ip_rate_limit",
			reason:  model.ReasonIPRateLimit,
			enabled: cfg.IPRateLimit.Enabled,
			eval: func(ctx context.Context, a model.Attempt) (bool, error) {
				n, err := e.events.CountByIPWithin(ctx, a.IPAddress, cfg.IPRateLimit.Window)
				if err != nil {
					return false, err
				}
				return exceeds(n, cfg.IPRateLimit), nil
			},
		},
		{
			name:    "reused_code",
			reason:  model.ReasonReusedCode,
			enabled: cfg.ReusedCode.Enabled && e.cards != nil,
			eval: func(ctx context.Context, a model.Attempt) (bool, error) {
				card, err := e.cards.GiftCard(ctx, a.GAN)
				if errors.Is(err, storage.ErrNotFound) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				return card.Redeemed, nil
			},
		},
		{
			name:    "merchant_rate_limit",
			reason:  model.ReasonMerchantRateLimit,
			enabled: cfg.MerchantRateLimit.Enabled,
			eval: func(ctx context.Context, a model.Attempt) (bool, error) {
				if a.MerchantID == "" {
					return false, nil
				}
				n, err := e.events.CountByMerchantWithin(ctx, a.MerchantID, cfg.MerchantRateLimit.Window)
				if err != nil {
					return false, err
				}
				return exceeds(n, cfg.MerchantRateLimit), nil
			},
		},
		{
			name:    "device_fingerprint",
			reason:  model.ReasonDeviceFingerprint,
			enabled: cfg.DeviceFingerprint.Enabled,
			eval: func(ctx context.Context, a model.Attempt) (bool, error) {
				evs, err := e.events.EventsByIPWithin(ctx, a.IPAddress, cfg.DeviceFingerprint.Window)
				if err != nil {
					return false, err
				}
				n := 0
				for _, ev := range evs {
					// Exact user agent equality is the only device signal available.
					if ev.UserAgent == a.UserAgent && ev.Reason.IsFailure() {
						n++
					}
				}
				return exceeds(n, cfg.DeviceFingerprint), nil
			},
		},
		{
			name:    "suspicious_pattern",
			reason:  model.ReasonMultipleIPs,
			enabled: cfg.SuspiciousPattern.Enabled,
			eval: func(ctx context.Context, a model.Attempt) (bool, error) {
				evs, err := e.events.EventsByGAN(ctx, a.GAN)
				if err != nil {
					return false, err
				}
				ips := make(map[string]struct{}, len(evs))
				for _, ev := range evs {
					ips[ev.IPAddress] = struct{}{}
				}
				return len(ips) > cfg.SuspiciousPattern.MaxIPs, nil
			},
		},
	}
}

func exceeds(prior int, r config.RateRule) bool {
	if r.IncludeCurrent {
		prior++
	}
	return prior >= r.Threshold
}
