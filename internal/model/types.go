package model

import "time"

// Reason tags the rule that fired, or an externally reported failure.
type Reason string

const (
	ReasonIPRateLimit       Reason = "ip_rate_limit"
	ReasonReusedCode        Reason = "reused_code"
	ReasonMerchantRateLimit Reason = "merchant_rate_limit"
	ReasonDeviceFingerprint Reason = "device_fingerprint"
	ReasonMultipleIPs       Reason = "multiple_ips"
	ReasonInvalidCode       Reason = "invalid_code"
	ReasonRedemptionFailed  Reason = "redemption_failed"
	ReasonEvaluationError   Reason = "evaluation_error"
)

// Reasons lists every known reason. Keep in sync with the constants above.
var Reasons = []Reason{
	ReasonIPRateLimit,
	ReasonReusedCode,
	ReasonMerchantRateLimit,
	ReasonDeviceFingerprint,
	ReasonMultipleIPs,
	ReasonInvalidCode,
	ReasonRedemptionFailed,
	ReasonEvaluationError,
}

func (r Reason) Valid() bool {
	for _, known := range Reasons {
		if r == known {
			return true
		}
	}
	return false
}

// IsFailure reports whether the reason was supplied by the redemption handler
// rather than produced by a detection rule.
func (r Reason) IsFailure() bool {
	return r == ReasonInvalidCode || r == ReasonRedemptionFailed
}

type AlertType string

const (
	AlertRateLimitExceeded AlertType = "rate_limit_exceeded"
	AlertCodeReuse         AlertType = "code_reuse"
	AlertMerchantVelocity  AlertType = "merchant_velocity"
	AlertDeviceAbuse       AlertType = "device_abuse"
	AlertDistributedAttack AlertType = "distributed_attack"
	AlertInvalidAttempt    AlertType = "invalid_attempt"
	AlertEvaluationFailure AlertType = "evaluation_failure"
)

var AlertTypes = []AlertType{
	AlertRateLimitExceeded,
	AlertCodeReuse,
	AlertMerchantVelocity,
	AlertDeviceAbuse,
	AlertDistributedAttack,
	AlertInvalidAttempt,
	AlertEvaluationFailure,
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// FraudEvent is immutable once appended.
type FraudEvent struct {
	ID         string    `json:"id"`
	GAN        string    `json:"gan"`
	IPAddress  string    `json:"ip_address"`
	MerchantID string    `json:"merchant_id,omitempty"`
	UserAgent  string    `json:"user_agent"`
	Reason     Reason    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attempt is one redemption attempt under evaluation.
type Attempt struct {
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	GAN        string `json:"gan"`
	MerchantID string `json:"merchant_id,omitempty"`
}

// FailureReport is a redemption failure observed outside the detector.
type FailureReport struct {
	Attempt
	Reason Reason `json:"reason"`
	Source string `json:"source,omitempty"`
}

type FraudCheckResult struct {
	IsBlocked bool      `json:"is_blocked"`
	Reason    Reason    `json:"reason,omitempty"`
	RiskLevel RiskLevel `json:"risk_level"`
}

type GiftCard struct {
	GAN        string     `json:"gan"`
	Redeemed   bool       `json:"redeemed"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// WebhookEndpoint is the single active endpoint of a merchant.
type WebhookEndpoint struct {
	MerchantID string    `json:"merchant_id"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeExhausted Outcome = "exhausted"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeDelivered || o == OutcomeExhausted
}

// MaxDeliveryAttempts bounds the attempts recorded for one event.
const MaxDeliveryAttempts = 3

type DeliveryAttempt struct {
	ID               string    `json:"id"`
	EventID          string    `json:"event_id"`
	MerchantID       string    `json:"merchant_id"`
	URL              string    `json:"url"`
	AttemptNumber    int       `json:"attempt_number"`
	RequestSignature string    `json:"request_signature"`
	HTTPStatus       *int      `json:"http_status,omitempty"`
	Error            string    `json:"error,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	SentAt           time.Time `json:"sent_at"`
}

// AlertContext is the recent-attempt context the severity is derived from.
type AlertContext struct {
	AttemptCount int  `json:"attempt_count"`
	IsRepeated   bool `json:"is_repeated"`
}

type FraudAlert struct {
	ID             string            `json:"id"`
	EventID        string            `json:"event_id"`
	Timestamp      time.Time         `json:"timestamp"`
	IP             string            `json:"ip"`
	Type           AlertType         `json:"type"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	UserAgent      string            `json:"user_agent,omitempty"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
}

type ReasonCount struct {
	Reason Reason `json:"reason"`
	Count  int    `json:"count"`
}

type Statistics struct {
	TotalAttempts int           `json:"total_attempts"`
	Last24Hours   int           `json:"last_24_hours"`
	TopReasons    []ReasonCount `json:"top_reasons"`
	UniqueIPs     int           `json:"unique_ips"`
}

type DeliverySummary struct {
	Since     time.Time       `json:"since"`
	Attempts  int             `json:"attempts"`
	ByOutcome map[Outcome]int `json:"by_outcome"`
}

// DeliveryResult is returned by out-of-band notification collaborators.
type DeliveryResult struct {
	Success   bool   `json:"success"`
	Method    string `json:"method"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}
