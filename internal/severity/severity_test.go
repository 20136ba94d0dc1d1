package severity

import (
	"errors"
	"testing"
	"time"

	"giftguard/internal/model"
)

func TestEveryReasonHasAlertType(t *testing.T) {
	for _, r := range model.Reasons {
		typ, err := AlertTypeFor(r)
		if err != nil {
			t.Fatalf("reason %s: %v", r, err)
		}
		found := false
		for _, known := range model.AlertTypes {
			if typ == known {
				found = true
			}
		}
		if !found {
			t.Fatalf("reason %s maps to unlisted alert type %s", r, typ)
		}
	}
	if _, err := AlertTypeFor("mystery"); !errors.Is(err, ErrUnknownReason) {
		t.Fatalf("expected ErrUnknownReason, got %v", err)
	}
}

func TestClassifyIsTotalAndDeterministic(t *testing.T) {
	p := DefaultPolicy()
	contexts := []model.AlertContext{
		{},
		{AttemptCount: 3},
		{AttemptCount: 5},
		{AttemptCount: 12},
		{IsRepeated: true},
	}
	for _, typ := range model.AlertTypes {
		for _, c := range contexts {
			first := p.Classify(typ, c)
			second := p.Classify(typ, c)
			if first != second {
				t.Fatalf("%s %+v: %s != %s", typ, c, first, second)
			}
			switch first {
			case model.SeverityLow, model.SeverityMedium, model.SeverityHigh:
			default:
				t.Fatalf("%s %+v: invalid severity %q", typ, c, first)
			}
		}
	}
	if got := p.Classify("unlisted", model.AlertContext{}); got != model.SeverityMedium {
		t.Fatalf("unlisted type: %s", got)
	}
}

func TestClassifyEscalation(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Classify(model.AlertInvalidAttempt, model.AlertContext{AttemptCount: 1}); got != model.SeverityLow {
		t.Fatalf("base: %s", got)
	}
	if got := p.Classify(model.AlertInvalidAttempt, model.AlertContext{AttemptCount: 1, IsRepeated: true}); got != model.SeverityMedium {
		t.Fatalf("repeated: %s", got)
	}
	if got := p.Classify(model.AlertRateLimitExceeded, model.AlertContext{AttemptCount: 5}); got != model.SeverityHigh {
		t.Fatalf("escalated: %s", got)
	}
	if got := p.Classify(model.AlertInvalidAttempt, model.AlertContext{AttemptCount: 10}); got != model.SeverityHigh {
		t.Fatalf("high at count: %s", got)
	}
}

func TestContextFrom(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := []model.FraudEvent{
		{ID: "a", Reason: model.ReasonInvalidCode, CreatedAt: base},
		{ID: "b", Reason: model.ReasonIPRateLimit, CreatedAt: base.Add(time.Second)},
	}
	c := ContextFrom(recent, recent[1])
	if c.AttemptCount != 2 || c.IsRepeated {
		t.Fatalf("unexpected context: %+v", c)
	}
	trigger := model.FraudEvent{ID: "c", Reason: model.ReasonIPRateLimit, CreatedAt: base.Add(2 * time.Second)}
	c = ContextFrom(append(recent, trigger), trigger)
	if !c.IsRepeated || c.AttemptCount != 3 {
		t.Fatalf("expected repeated: %+v", c)
	}
}

func TestContextFromIgnoresLaterEvents(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := model.FraudEvent{ID: "t", Reason: model.ReasonIPRateLimit, CreatedAt: base}
	recent := []model.FraudEvent{
		trigger,
		{ID: "later", Reason: model.ReasonIPRateLimit, CreatedAt: base.Add(time.Minute)},
	}
	c := ContextFrom(recent, trigger)
	if c.AttemptCount != 1 || c.IsRepeated {
		t.Fatalf("later events leaked into context: %+v", c)
	}
}
