package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"giftguard/internal/config"
	"giftguard/internal/model"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrUnsupportedDriver = errors.New("storage: unsupported driver")
	ErrDuplicateAttempt  = errors.New("storage: attempt number already recorded")
)

// EventStore is the append-only fraud event log. Windows are measured back
// from the store clock at call time.
type EventStore interface {
	AppendEvent(ctx context.Context, ev model.FraudEvent) (model.FraudEvent, error)
	CountByIPWithin(ctx context.Context, ip string, window time.Duration) (int, error)
	CountByMerchantWithin(ctx context.Context, merchantID string, window time.Duration) (int, error)
	EventsByIPWithin(ctx context.Context, ip string, window time.Duration) ([]model.FraudEvent, error)
	// EventsByIPBetween is bounded by fixed instants, both inclusive, so the
	// result does not depend on when it is called.
	EventsByIPBetween(ctx context.Context, ip string, from, to time.Time) ([]model.FraudEvent, error)
	EventsByGAN(ctx context.Context, gan string) ([]model.FraudEvent, error)
	EventByID(ctx context.Context, id string) (model.FraudEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]model.FraudEvent, error)
	Statistics(ctx context.Context) (model.Statistics, error)
}

// AuditLog records webhook delivery attempts.
type AuditLog interface {
	AppendAttempt(ctx context.Context, att model.DeliveryAttempt) (model.DeliveryAttempt, error)
	AttemptsForEvent(ctx context.Context, eventID string) ([]model.DeliveryAttempt, error)
	AttemptsSince(ctx context.Context, since time.Time) ([]model.DeliveryAttempt, error)
	PendingDeliveries(ctx context.Context) ([]model.DeliveryAttempt, error)
}

type EndpointStore interface {
	WebhookEndpoint(ctx context.Context, merchantID string) (model.WebhookEndpoint, error)
	SaveWebhookEndpoint(ctx context.Context, ep model.WebhookEndpoint) error
	DeleteWebhookEndpoint(ctx context.Context, merchantID string) error
}

type GiftCardStore interface {
	GiftCard(ctx context.Context, gan string) (model.GiftCard, error)
	SaveGiftCard(ctx context.Context, card model.GiftCard) error
	// MarkRedeemed flips an unredeemed card. It reports false when the card
	// was already redeemed.
	MarkRedeemed(ctx context.Context, gan string) (bool, error)
}

type Store interface {
	EventStore
	AuditLog
	EndpointStore
	GiftCardStore
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type Option func(*baseStore)

// WithClock replaces the wall clock used for created_at and window cutoffs.
func WithClock(now func() time.Time) Option {
	return func(b *baseStore) {
		if now != nil {
			b.now = now
		}
	}
}

func NewStore(cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN, opts...)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type baseStore struct {
	db       *sql.DB
	now      func() time.Time
	numbered bool
}

func newBase(db *sql.DB, numbered bool, opts []Option) baseStore {
	b := baseStore{db: db, now: nowUTC, numbered: numbered}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// q rewrites ? placeholders to $n for drivers that need numbered parameters.
func (b *baseStore) q(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) cutoff(window time.Duration) int64 {
	return b.now().Add(-window).UnixNano()
}

const eventColumns = `id, gan, ip_address, merchant_id, user_agent, reason, created_at`

func (b *baseStore) AppendEvent(ctx context.Context, ev model.FraudEvent) (model.FraudEvent, error) {
	if ev.GAN == "" {
		return model.FraudEvent{}, errors.New("storage: fraud event requires gan")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = b.now().UTC()
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO fraud_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.GAN, ev.IPAddress, ev.MerchantID, ev.UserAgent, string(ev.Reason), ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return model.FraudEvent{}, fmt.Errorf("append fraud event: %w", err)
	}
	return ev, nil
}

func (b *baseStore) CountByIPWithin(ctx context.Context, ip string, window time.Duration) (int, error) {
	return b.count(ctx, `SELECT COUNT(*) FROM fraud_events WHERE ip_address = ? AND created_at >= ?`, ip, b.cutoff(window))
}

func (b *baseStore) CountByMerchantWithin(ctx context.Context, merchantID string, window time.Duration) (int, error) {
	if merchantID == "" {
		return 0, nil
	}
	return b.count(ctx, `SELECT COUNT(*) FROM fraud_events WHERE merchant_id = ? AND created_at >= ?`, merchantID, b.cutoff(window))
}

func (b *baseStore) EventsByIPWithin(ctx context.Context, ip string, window time.Duration) ([]model.FraudEvent, error) {
	return b.events(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE ip_address = ? AND created_at >= ? ORDER BY created_at, id`, ip, b.cutoff(window))
}

func (b *baseStore) EventsByIPBetween(ctx context.Context, ip string, from, to time.Time) ([]model.FraudEvent, error) {
	return b.events(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE ip_address = ? AND created_at >= ? AND created_at <= ? ORDER BY created_at, id`,
		ip, from.UTC().UnixNano(), to.UTC().UnixNano())
}

func (b *baseStore) EventsByGAN(ctx context.Context, gan string) ([]model.FraudEvent, error) {
	return b.events(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE gan = ? ORDER BY created_at, id`, gan)
}

func (b *baseStore) EventByID(ctx context.Context, id string) (model.FraudEvent, error) {
	list, err := b.events(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE id = ?`, id)
	if err != nil {
		return model.FraudEvent{}, err
	}
	if len(list) == 0 {
		return model.FraudEvent{}, ErrNotFound
	}
	return list[0], nil
}

func (b *baseStore) RecentEvents(ctx context.Context, limit int) ([]model.FraudEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.events(ctx, `SELECT `+eventColumns+` FROM fraud_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (b *baseStore) Statistics(ctx context.Context) (model.Statistics, error) {
	var st model.Statistics
	var err error
	if st.TotalAttempts, err = b.count(ctx, `SELECT COUNT(*) FROM fraud_events`); err != nil {
		return st, err
	}
	if st.Last24Hours, err = b.count(ctx, `SELECT COUNT(*) FROM fraud_events WHERE created_at >= ?`, b.cutoff(24*time.Hour)); err != nil {
		return st, err
	}
	if st.UniqueIPs, err = b.count(ctx, `SELECT COUNT(DISTINCT ip_address) FROM fraud_events`); err != nil {
		return st, err
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT reason, COUNT(*) AS n FROM fraud_events GROUP BY reason ORDER BY n DESC, reason ASC LIMIT ?`), 5)
	if err != nil {
		return st, fmt.Errorf("top reasons: %w", err)
	}
	defer rows.Close()
	st.TopReasons = make([]model.ReasonCount, 0, 5)
	for rows.Next() {
		var rc model.ReasonCount
		var reason string
		if err := rows.Scan(&reason, &rc.Count); err != nil {
			return st, err
		}
		rc.Reason = model.Reason(reason)
		st.TopReasons = append(st.TopReasons, rc)
	}
	return st, rows.Err()
}

func (b *baseStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, b.q(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (b *baseStore) events(ctx context.Context, query string, args ...any) ([]model.FraudEvent, error) {
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query fraud events: %w", err)
	}
	defer rows.Close()
	out := make([]model.FraudEvent, 0)
	for rows.Next() {
		var ev model.FraudEvent
		var reason string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.GAN, &ev.IPAddress, &ev.MerchantID, &ev.UserAgent, &reason, &created); err != nil {
			return nil, err
		}
		ev.Reason = model.Reason(reason)
		ev.CreatedAt = fromNanos(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const attemptColumns = `id, event_id, merchant_id, url, attempt_number, request_signature, http_status, error_message, outcome, sent_at`

func (b *baseStore) AppendAttempt(ctx context.Context, att model.DeliveryAttempt) (model.DeliveryAttempt, error) {
	if att.EventID == "" {
		return model.DeliveryAttempt{}, errors.New("storage: delivery attempt requires event id")
	}
	if att.AttemptNumber < 1 || att.AttemptNumber > model.MaxDeliveryAttempts {
		return model.DeliveryAttempt{}, fmt.Errorf("storage: attempt number %d out of range", att.AttemptNumber)
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.SentAt.IsZero() {
		att.SentAt = b.now()
	}
	att.SentAt = att.SentAt.UTC()
	var status sql.NullInt64
	if att.HTTPStatus != nil {
		status = sql.NullInt64{Int64: int64(*att.HTTPStatus), Valid: true}
	}
	// The unique (event_id, attempt_number) key arbitrates concurrent writers.
	res, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO delivery_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, attempt_number) DO NOTHING`),
		att.ID, att.EventID, att.MerchantID, att.URL, att.AttemptNumber, att.RequestSignature,
		status, att.Error, string(att.Outcome), att.SentAt.UnixNano(),
	)
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("append delivery attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("append delivery attempt: %w", err)
	}
	if n == 0 {
		return model.DeliveryAttempt{}, ErrDuplicateAttempt
	}
	return att, nil
}

func (b *baseStore) AttemptsForEvent(ctx context.Context, eventID string) ([]model.DeliveryAttempt, error) {
	return b.attempts(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE event_id = ? ORDER BY attempt_number`, eventID)
}

func (b *baseStore) AttemptsSince(ctx context.Context, since time.Time) ([]model.DeliveryAttempt, error) {
	return b.attempts(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE sent_at >= ? ORDER BY sent_at, event_id, attempt_number`, since.UTC().UnixNano())
}

// PendingDeliveries returns the latest attempt of every event whose delivery
// stopped in the retrying state.
func (b *baseStore) PendingDeliveries(ctx context.Context) ([]model.DeliveryAttempt, error) {
	return b.attempts(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts d
		WHERE d.outcome = ?
		AND d.attempt_number = (SELECT MAX(x.attempt_number) FROM delivery_attempts x WHERE x.event_id = d.event_id)
		ORDER BY d.sent_at`, string(model.OutcomeRetrying))
}

func (b *baseStore) attempts(ctx context.Context, query string, args ...any) ([]model.DeliveryAttempt, error) {
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()
	out := make([]model.DeliveryAttempt, 0)
	for rows.Next() {
		var att model.DeliveryAttempt
		var status sql.NullInt64
		var outcome string
		var sent int64
		if err := rows.Scan(&att.ID, &att.EventID, &att.MerchantID, &att.URL, &att.AttemptNumber,
			&att.RequestSignature, &status, &att.Error, &outcome, &sent); err != nil {
			return nil, err
		}
		if status.Valid {
			code := int(status.Int64)
			att.HTTPStatus = &code
		}
		att.Outcome = model.Outcome(outcome)
		att.SentAt = fromNanos(sent)
		out = append(out, att)
	}
	return out, rows.Err()
}

func (b *baseStore) WebhookEndpoint(ctx context.Context, merchantID string) (model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	var updated int64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT merchant_id, url, secret, active, updated_at FROM webhook_endpoints WHERE merchant_id = ?`), merchantID).
		Scan(&ep.MerchantID, &ep.URL, &ep.Secret, &ep.Active, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebhookEndpoint{}, ErrNotFound
	}
	if err != nil {
		return model.WebhookEndpoint{}, fmt.Errorf("webhook endpoint: %w", err)
	}
	ep.UpdatedAt = fromNanos(updated)
	return ep, nil
}

func (b *baseStore) SaveWebhookEndpoint(ctx context.Context, ep model.WebhookEndpoint) error {
	if ep.MerchantID == "" || ep.URL == "" {
		return errors.New("storage: webhook endpoint requires merchant id and url")
	}
	now := b.now().UnixNano()
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO webhook_endpoints (merchant_id, url, secret, active, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (merchant_id) DO UPDATE SET url = excluded.url, secret = excluded.secret,
		active = excluded.active, updated_at = excluded.updated_at`),
		ep.MerchantID, ep.URL, ep.Secret, ep.Active, now)
	if err != nil {
		return fmt.Errorf("save webhook endpoint: %w", err)
	}
	return nil
}

func (b *baseStore) DeleteWebhookEndpoint(ctx context.Context, merchantID string) error {
	res, err := b.db.ExecContext(ctx, b.q(`DELETE FROM webhook_endpoints WHERE merchant_id = ?`), merchantID)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) GiftCard(ctx context.Context, gan string) (model.GiftCard, error) {
	var card model.GiftCard
	var redeemedAt sql.NullInt64
	var updated int64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT gan, redeemed, redeemed_at, updated_at FROM gift_cards WHERE gan = ?`), gan).
		Scan(&card.GAN, &card.Redeemed, &redeemedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GiftCard{}, ErrNotFound
	}
	if err != nil {
		return model.GiftCard{}, fmt.Errorf("gift card: %w", err)
	}
	if redeemedAt.Valid {
		ts := fromNanos(redeemedAt.Int64)
		card.RedeemedAt = &ts
	}
	card.UpdatedAt = fromNanos(updated)
	return card, nil
}

func (b *baseStore) SaveGiftCard(ctx context.Context, card model.GiftCard) error {
	if card.GAN == "" {
		return errors.New("storage: gift card requires gan")
	}
	now := b.now()
	var redeemedAt sql.NullInt64
	if card.Redeemed {
		at := now
		if card.RedeemedAt != nil {
			at = *card.RedeemedAt
		}
		redeemedAt = sql.NullInt64{Int64: at.UnixNano(), Valid: true}
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO gift_cards (gan, redeemed, redeemed_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (gan) DO UPDATE SET redeemed = excluded.redeemed, redeemed_at = excluded.redeemed_at,
		updated_at = excluded.updated_at`),
		card.GAN, card.Redeemed, redeemedAt, now.UnixNano())
	if err != nil {
		return fmt.Errorf("save gift card: %w", err)
	}
	return nil
}

func (b *baseStore) MarkRedeemed(ctx context.Context, gan string) (bool, error) {
	now := b.now().UnixNano()
	res, err := b.db.ExecContext(ctx, b.q(
		`UPDATE gift_cards SET redeemed = ?, redeemed_at = ?, updated_at = ? WHERE gan = ? AND redeemed = ?`),
		true, now, now, gan, false)
	if err != nil {
		return false, fmt.Errorf("mark redeemed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := b.GiftCard(ctx, gan); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func initSchema(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
