package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"
	"sync"

	"giftguard/internal/model"
	"giftguard/internal/normalize"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)

var (
	ganKeys      = []string{"gan", "code", "gift_card", "giftcard", "card"}
	ipKeys       = []string{"ip", "ip_address", "ipaddress", "client_ip", "remote_addr"}
	uaKeys       = []string{"user_agent", "useragent", "ua"}
	merchantKeys = []string{"merchant_id", "merchantid", "merchant"}
	reasonKeys   = []string{"reason", "error", "error_code", "result"}
)

// Parser turns one message line into a failure report. JSON objects,
// CSV rows (with or without a header row) and key=value lines are accepted.
type Parser struct {
	mu  sync.Mutex
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and CSV header rows.
func (p *Parser) ParseLine(line string) (*model.FailureReport, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	var fields map[string]string
	var err error
	switch {
	case looksLikeJSON(trim):
		fields, err = ParseJSONBytes([]byte(trim))
	case strings.Contains(trim, "=") && !strings.Contains(trim, ","):
		fields = parseKV(trim)
	case strings.Contains(trim, ","):
		p.mu.Lock()
		fields, err = p.csv.Parse(trim)
		p.mu.Unlock()
		if err == nil && fields == nil {
			return nil, nil
		}
	default:
		fields = parseKV(trim)
	}
	if err != nil {
		return nil, err
	}
	return reportFromFields(fields)
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{")
}

func parseKV(line string) map[string]string {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	return kv
}

func reportFromFields(fields map[string]string) (*model.FailureReport, error) {
	gan := firstNonEmpty(fields, ganKeys...)
	if gan == "" {
		return nil, errors.New("failure report missing gan")
	}
	reason, err := normalize.ParseReason(firstNonEmpty(fields, reasonKeys...))
	if err != nil {
		return nil, err
	}
	if !reason.IsFailure() {
		return nil, errors.New("reason " + string(reason) + " is not a redemption failure")
	}
	r := &model.FailureReport{
		Attempt: normalize.Attempt(model.Attempt{
			IPAddress:  firstNonEmpty(fields, ipKeys...),
			UserAgent:  firstNonEmpty(fields, uaKeys...),
			GAN:        gan,
			MerchantID: firstNonEmpty(fields, merchantKeys...),
		}),
		Reason: reason,
	}
	return r, nil
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header row it sees. Without one, columns are
// read as gan, ip, reason, merchant_id, user_agent.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

var positional = []string{"gan", "ip", "reason", "merchant_id", "user_agent"}

func (p *CSVParser) Parse(line string) (map[string]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	names := p.header
	if names == nil {
		names = positional
	}
	fields := make(map[string]string, len(record))
	for i, name := range names {
		if i >= len(record) {
			break
		}
		fields[name] = strings.TrimSpace(record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, keys := range [][]string{ganKeys, ipKeys, reasonKeys} {
			for _, k := range keys {
				if v == k {
					return true
				}
			}
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
