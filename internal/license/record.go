// Package license implements the license record lifecycle: normalization of
// server data, the tamper-evident signature over the cached record, and the
// state machine driving activation, deactivation and periodic checks.
package license

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Status is the activation state of a license record.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Record is the cached license state of one installation.
type Record struct {
	LicenseKey   string `json:"license"`
	Status       Status `json:"status"`
	ActivationID uint64 `json:"activation_id"`
	DeviceID     string `json:"device_id"`
	Slug         string `json:"slug"`
	ProductID    uint64 `json:"product_id"`
	Remaining    uint64 `json:"remaining"`
	Activations  uint64 `json:"activations"`
	Limit        uint64 `json:"limit"`
	Unlimited    bool   `json:"unlimited"`
	// Expires is a unix timestamp; 0 means no expiry was reported.
	Expires   int64 `json:"expires"`
	UpdatedAt int64 `json:"updated_at"`
}

// Default returns the inactive record for an installation identity.
func Default(deviceID, slug string, productID uint64) Record {
	return Record{
		Status:    StatusInactive,
		DeviceID:  deviceID,
		Slug:      slug,
		ProductID: productID,
	}
}

// IsActive reports whether the record's status is active.
func (r Record) IsActive() bool {
	return r.Status == StatusActive
}

// IsComplete reports whether the record carries every field the license
// server requires to identify an activation.
func (r Record) IsComplete() bool {
	return r.LicenseKey != "" && r.DeviceID != "" && r.Slug != "" && r.ProductID != 0
}

// ExpiresAt returns the expiry time, or the zero time when none is set.
func (r Record) ExpiresAt() time.Time {
	if r.Expires == 0 {
		return time.Time{}
	}
	return time.Unix(r.Expires, 0)
}

// Map returns the record as loosely typed key/value data, the shape sent to
// the license server and accepted by Normalize.
func (r Record) Map() map[string]any {
	return map[string]any{
		"license":       r.LicenseKey,
		"status":        string(r.Status),
		"activation_id": r.ActivationID,
		"device_id":     r.DeviceID,
		"slug":          r.Slug,
		"product_id":    r.ProductID,
		"remaining":     r.Remaining,
		"activations":   r.Activations,
		"limit":         r.Limit,
		"unlimited":     r.Unlimited,
		"expires":       r.Expires,
		"updated_at":    r.UpdatedAt,
	}
}

// Fields returns the record values in their fixed signing order.
func (r Record) Fields() []string {
	unlimited := ""
	if r.Unlimited {
		unlimited = "1"
	}
	return []string{
		r.LicenseKey,
		string(r.Status),
		strconv.FormatUint(r.ActivationID, 10),
		r.DeviceID,
		r.Slug,
		strconv.FormatUint(r.ProductID, 10),
		strconv.FormatUint(r.Remaining, 10),
		strconv.FormatUint(r.Activations, 10),
		strconv.FormatUint(r.Limit, 10),
		unlimited,
		strconv.FormatInt(r.Expires, 10),
		strconv.FormatInt(r.UpdatedAt, 10),
	}
}

// Merge overlays raw server data on r and normalizes the result.
func (r Record) Merge(raw map[string]any) Record {
	return Normalize(raw, r)
}

// Normalize builds a Record from raw data. Keys absent from raw take their
// value from defaults. Present values are coerced: counts to non-negative
// integers, status to active or inactive, flags to booleans, and dates to
// unix timestamps. Normalize never fails.
func Normalize(raw map[string]any, defaults Record) Record {
	r := defaults
	if r.Status != StatusActive {
		r.Status = StatusInactive
	}

	if v, ok := raw["license"]; ok {
		r.LicenseKey = toText(v)
	}
	if v, ok := raw["status"]; ok {
		r.Status = toStatus(v)
	}
	if v, ok := raw["activation_id"]; ok {
		r.ActivationID = toUint(v)
	}
	if v, ok := raw["device_id"]; ok {
		r.DeviceID = toText(v)
	}
	if v, ok := raw["slug"]; ok {
		r.Slug = toText(v)
	}
	if v, ok := raw["product_id"]; ok {
		r.ProductID = toUint(v)
	}
	if v, ok := raw["remaining"]; ok {
		r.Remaining = toUint(v)
	}
	if v, ok := raw["activations"]; ok {
		r.Activations = toUint(v)
	}
	if v, ok := raw["limit"]; ok {
		r.Limit = toUint(v)
	}
	if v, ok := raw["unlimited"]; ok {
		r.Unlimited = toBool(v)
	}
	if v, ok := raw["expires"]; ok {
		r.Expires = toTimestamp(v)
	}
	if v, ok := raw["updated_at"]; ok {
		r.UpdatedAt = toTimestamp(v)
	}
	return r
}

// MaskKey hides all but the edges of a license key for display and logs.
func MaskKey(key string) string {
	runes := []rune(key)
	n := len(runes)
	if n == 0 {
		return ""
	}
	if n <= 8 {
		return strings.Repeat("•", n)
	}
	edge := n / 4
	if edge > 6 {
		edge = 6
	}
	return string(runes[:edge]) + strings.Repeat("•", n-2*edge) + string(runes[n-edge:])
}

func toText(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case bool:
		if t {
			return "1"
		}
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return ""
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func toStatus(v any) Status {
	s, ok := v.(string)
	if ok && strings.EqualFold(strings.TrimSpace(s), string(StatusActive)) {
		return StatusActive
	}
	return StatusInactive
}

// toInt converts loosely typed numbers, truncating toward zero. Strings are
// read up to the first non-digit, so "12abc" is 12 and "abc" is 0.
func toInt(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return clampUint(uint64(t))
	case uint32:
		return int64(t)
	case uint64:
		return clampUint(t)
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case json.Number:
		return stringToInt(t.String())
	case string:
		return stringToInt(t)
	default:
		return 0
	}
}

func toUint(v any) uint64 {
	if u, ok := v.(uint64); ok {
		return u
	}
	n := toInt(v)
	if n < 0 {
		if n == math.MinInt64 {
			return uint64(math.MaxInt64) + 1
		}
		return uint64(-n)
	}
	return uint64(n)
}

func clampUint(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(u)
}

func floatToInt(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	if f <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(f)
}

func stringToInt(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatToInt(f)
	}

	end := 0
	if s[0] == '-' || s[0] == '+' {
		end = 1
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.ParseInt(s[:end], 10, 64)
	return n
}

func toBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// toTimestamp reads a unix timestamp from a number or numeric string, or
// parses a date string in UTC. Unparseable dates yield 0.
func toTimestamp(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return int64(toUint(v))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(toUint(s))
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix()
		}
	}
	return 0
}
