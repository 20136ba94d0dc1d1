// Package severity maps fraud reasons to alert types and derives alert
// severity. Every function here is pure so the real-time channel and the
// webhook payload always agree for the same inputs.
package severity

import (
	"errors"
	"fmt"

	"giftguard/internal/config"
	"giftguard/internal/model"
)

var ErrUnknownReason = errors.New("severity: unknown reason")

// AlertTypeFor maps every model.Reason to exactly one alert type. A reason
// without a case is an error, never a silent default.
func AlertTypeFor(r model.Reason) (model.AlertType, error) {
	switch r {
	case model.ReasonIPRateLimit:
		return model.AlertRateLimitExceeded, nil
	case model.ReasonReusedCode:
		return model.AlertCodeReuse, nil
	case model.ReasonMerchantRateLimit:
		return model.AlertMerchantVelocity, nil
	case model.ReasonDeviceFingerprint:
		return model.AlertDeviceAbuse, nil
	case model.ReasonMultipleIPs:
		return model.AlertDistributedAttack, nil
	case model.ReasonInvalidCode, model.ReasonRedemptionFailed:
		return model.AlertInvalidAttempt, nil
	case model.ReasonEvaluationError:
		return model.AlertEvaluationFailure, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, r)
}

type Policy struct {
	Base            map[model.AlertType]model.Severity
	EscalateAtCount int
	HighAtCount     int
}

func DefaultPolicy() Policy {
	return PolicyFromConfig(config.DefaultSeverity())
}

func PolicyFromConfig(cfg config.SeverityConfig) Policy {
	base := make(map[model.AlertType]model.Severity, len(cfg.Base))
	for k, v := range cfg.Base {
		base[k] = v
	}
	return Policy{Base: base, EscalateAtCount: cfg.EscalateAtCount, HighAtCount: cfg.HighAtCount}
}

// Classify is total: alert types missing from Base start at medium.
func (p Policy) Classify(t model.AlertType, c model.AlertContext) model.Severity {
	sev, ok := p.Base[t]
	if !ok {
		sev = model.SeverityMedium
	}
	if p.HighAtCount > 0 && c.AttemptCount >= p.HighAtCount {
		return model.SeverityHigh
	}
	if c.IsRepeated || (p.EscalateAtCount > 0 && c.AttemptCount >= p.EscalateAtCount) {
		sev = raise(sev)
	}
	return sev
}

// ForReason resolves the alert type and severity in one step.
func (p Policy) ForReason(r model.Reason, c model.AlertContext) (model.AlertType, model.Severity, error) {
	t, err := AlertTypeFor(r)
	if err != nil {
		return "", "", err
	}
	return t, p.Classify(t, c), nil
}

func raise(s model.Severity) model.Severity {
	switch s {
	case model.SeverityLow:
		return model.SeverityMedium
	default:
		return model.SeverityHigh
	}
}

// ContextFrom summarises the events from one source up to and including
// trigger. Events created after trigger are ignored so the result is the same
// whenever it is computed. Other events with the trigger's reason mark the
// context as repeated.
func ContextFrom(recent []model.FraudEvent, trigger model.FraudEvent) model.AlertContext {
	var c model.AlertContext
	for _, ev := range recent {
		if ev.CreatedAt.After(trigger.CreatedAt) {
			continue
		}
		c.AttemptCount++
		if ev.ID != trigger.ID && ev.Reason == trigger.Reason {
			c.IsRepeated = true
		}
	}
	return c
}
