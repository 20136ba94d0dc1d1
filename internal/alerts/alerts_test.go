package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"giftguard/internal/model"
)

func alertAt(id string, ts time.Time) model.FraudAlert {
	return model.FraudAlert{ID: id, Timestamp: ts, IP: "1.2.3.4", Type: model.AlertRateLimitExceeded, Severity: model.SeverityMedium}
}

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(alertAt("a", base))
	s.Add(alertAt("b", base.Add(time.Minute)))
	s.Add(alertAt("c", base.Add(2*time.Minute)))

	list := s.List(0)
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if got := s.List(1); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("limit: %+v", got)
	}
	if got := s.Since(base.Add(2 * time.Minute)); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("since: %+v", got)
	}
	if s.Len() != 2 {
		t.Fatalf("len: %d", s.Len())
	}
}

func TestHubWithoutSubscribersIsNoop(t *testing.T) {
	h := NewHub(nil, 1, nil)
	if err := h.EmitFraudAlert(context.Background(), alertAt("a", time.Now())); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if h.History().Len() != 1 {
		t.Fatalf("history not recorded")
	}
}

func TestHubDeliversAndDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(nil, 1, nil)
	id, ch := h.Subscribe()
	ctx := context.Background()
	_ = h.EmitFraudAlert(ctx, alertAt("a", time.Now()))
	_ = h.EmitFraudAlert(ctx, alertAt("b", time.Now()))

	got := <-ch
	if got.ID != "a" {
		t.Fatalf("expected first alert, got %s", got.ID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("second alert should have been dropped, got %s", extra.ID)
	default:
	}
	h.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
	h.Unsubscribe(id)
}

type fakeChannel struct {
	got []model.FraudAlert
	err error
}

func (f *fakeChannel) EmitFraudAlert(_ context.Context, a model.FraudAlert) error {
	f.got = append(f.got, a)
	return f.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &fakeChannel{}
	bad := &fakeChannel{err: boom}
	f := Fanout{ok, nil, bad}
	err := f.EmitFraudAlert(context.Background(), alertAt("a", time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Fatalf("every channel must receive the alert")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByIP(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w, timeout: time.Second}
	a := alertAt("a", time.Now().UTC())
	if err := p.EmitFraudAlert(context.Background(), a); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "1.2.3.4" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var decoded model.FraudAlert
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "a" || decoded.Type != model.AlertRateLimitExceeded {
		t.Fatalf("decoded: %+v", decoded)
	}
}
