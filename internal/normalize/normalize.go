package normalize

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"giftguard/internal/model"
)

const maxUserAgent = 512

// IP returns the first address of a proxy chain such as an X-Forwarded-For
// value, without port or brackets.
func IP(raw string) string {
	first := raw
	if i := strings.IndexByte(first, ','); i >= 0 {
		first = first[:i]
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(first); err == nil {
		first = host
	}
	first = strings.Trim(first, "[]")
	if parsed := net.ParseIP(first); parsed != nil {
		return parsed.String()
	}
	return first
}

// ClientIP resolves the caller address. Forwarding headers are only honored
// when the service sits behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if v := r.Header.Get("X-Forwarded-For"); v != "" {
			if ip := IP(v); ip != "" {
				return ip
			}
		}
		if v := r.Header.Get("X-Real-IP"); v != "" {
			if ip := IP(v); ip != "" {
				return ip
			}
		}
	}
	return IP(r.RemoteAddr)
}

func GAN(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r == ' ' || r == '\t':
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func UserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxUserAgent {
		cut := maxUserAgent
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = raw[:cut]
	}
	return raw
}

func MerchantID(raw string) string {
	return strings.TrimSpace(raw)
}

// Attempt normalizes every identifying field of an attempt.
func Attempt(a model.Attempt) model.Attempt {
	return model.Attempt{
		IPAddress:  IP(a.IPAddress),
		UserAgent:  UserAgent(a.UserAgent),
		GAN:        GAN(a.GAN),
		MerchantID: MerchantID(a.MerchantID),
	}
}

func ParseReason(raw string) (model.Reason, error) {
	r := model.Reason(strings.ToLower(strings.TrimSpace(raw)))
	if r == "" {
		return "", errors.New("reason is empty")
	}
	if !r.Valid() {
		return "", fmt.Errorf("unknown reason %q", raw)
	}
	return r, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
