package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"giftguard/internal/model"
)

// Payload is the JSON body merchants receive. Field order is fixed by the
// struct so identical payloads always encode to identical bytes.
type Payload struct {
	GAN        string          `json:"gan"`
	IP         string          `json:"ip"`
	Reason     model.Reason    `json:"reason"`
	MerchantID string          `json:"merchantId"`
	Timestamp  time.Time       `json:"timestamp"`
	EventID    string          `json:"eventId"`
	AlertType  model.AlertType `json:"alertType,omitempty"`
	Severity   model.Severity  `json:"severity,omitempty"`
}

func NewPayload(ev model.FraudEvent, t model.AlertType, sev model.Severity) Payload {
	return Payload{
		GAN:        ev.GAN,
		IP:         ev.IPAddress,
		Reason:     ev.Reason,
		MerchantID: ev.MerchantID,
		Timestamp:  ev.CreatedAt.UTC(),
		EventID:    ev.ID,
		AlertType:  t,
		Severity:   sev,
	}
}

func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue is the value sent in the signature header.
func SignatureHeaderValue(signature string) string {
	return "sha256=" + signature
}

// Backoff is the wait after a failed attempt n: base, 2*base, 4*base...
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}
