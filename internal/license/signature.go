package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/seatkeeper/internal/crypto"
)

// Guard signs license records so that edits to the stored record, or a
// change of the next scheduled check, invalidate the cached verdict.
type Guard struct {
	hasher *crypto.Hasher
	slug   string
}

// NewGuard creates a Guard for a product slug.
func NewGuard(hasher *crypto.Hasher, slug string) *Guard {
	return &Guard{hasher: hasher, slug: slug}
}

// Payload returns the signed text for r under the given next check time.
// A zero next means no check is scheduled.
func (g *Guard) Payload(r Record, next time.Time) string {
	nextStr := ""
	if !next.IsZero() {
		nextStr = strconv.FormatInt(next.Unix(), 10)
	}
	return g.slug + "||" + nextStr + "||" + strings.Join(r.Fields(), "||")
}

// Sign returns the hex signature of r. The HMAC key is the site keyed hash
// of the payload itself.
func (g *Guard) Sign(r Record, next time.Time) string {
	payload := g.Payload(r, next)
	secret := g.hasher.Hash(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches r under next. An empty
// signature never verifies.
func (g *Guard) Verify(r Record, next time.Time, signature string) bool {
	if signature == "" {
		return false
	}
	expected := g.Sign(r, next)
	return hmac.Equal([]byte(expected), []byte(signature))
}
