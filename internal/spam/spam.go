// Package spam scores outgoing messages for rate abuse, duplication, link
// density and keyword matches.
package spam

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	registrycounter "github.com/plannr/messaging-service/internal/registry/counter"
	"github.com/plannr/messaging-service/internal/security"
)

const (
	// Threshold is the score at which a message is treated as spam.
	Threshold = 50

	RateLimitScore = 100
	DuplicateScore = 50
	ExcessURLScore = 30
	KeywordScore   = 20
)

// Options toggles and tunes the individual checks.
type Options struct {
	CheckRateLimit  bool
	CheckDuplicates bool
	CheckURLs       bool
	CheckKeywords   bool

	RateLimit       int
	RateWindow      time.Duration
	DuplicateWindow time.Duration
	MaxURLCount     int
	Keywords        []string
}

// DefaultOptions enables every check with the standard thresholds.
func DefaultOptions() Options {
	return Options{
		CheckRateLimit:  true,
		CheckDuplicates: true,
		CheckURLs:       true,
		CheckKeywords:   true,
		RateLimit:       30,
		RateWindow:      time.Minute,
		DuplicateWindow: 5 * time.Second,
		MaxURLCount:     5,
	}
}

// ContentOnly returns a copy of o with the stateful checks disabled.
func (o Options) ContentOnly() Options {
	o.CheckRateLimit = false
	o.CheckDuplicates = false
	return o
}

// Details exposes the raw sub-check outcomes.
type Details struct {
	MessageCount    int64    `json:"messageCount,omitempty"`
	RateLimited     bool     `json:"rateLimited"`
	Duplicate       bool     `json:"duplicate"`
	URLCount        int      `json:"urlCount"`
	ExcessURLs      int      `json:"excessUrls"`
	MatchedKeywords []string `json:"matchedKeywords,omitempty"`
	// Degraded is set when the shared counter store failed and the
	// in-process fallback answered instead.
	Degraded bool `json:"degraded,omitempty"`
}

// Result is the outcome of Check.
type Result struct {
	IsSpam  bool    `json:"isSpam"`
	Score   int     `json:"score"`
	Reason  string  `json:"reason,omitempty"`
	Details Details `json:"details"`
}

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)

// CountURLs returns the number of links in content.
func CountURLs(content string) int {
	return len(urlPattern.FindAllStringIndex(content, -1))
}

// ContentHash is the duplicate-detection fingerprint of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}

// Detector scores messages against a counter store.
type Detector struct {
	counters registrycounter.CounterStore
	fallback registrycounter.CounterStore
}

// NewDetector returns a detector using counters, answering from fallback for
// any call where counters fails. fallback may be the same store.
func NewDetector(counters, fallback registrycounter.CounterStore) *Detector {
	if counters == nil {
		counters = fallback
	}
	return &Detector{counters: counters, fallback: fallback}
}

// Check scores content sent by senderID.
func (d *Detector) Check(ctx context.Context, senderID, content string, opts Options) Result {
	var res Result
	var reasons []string

	if opts.CheckRateLimit && opts.RateLimit > 0 {
		n, degraded := d.incr(ctx, registrycounter.RateKey(senderID), opts.RateWindow)
		res.Details.MessageCount = n
		res.Details.Degraded = res.Details.Degraded || degraded
		if n > int64(opts.RateLimit) {
			res.Details.RateLimited = true
			res.Score += RateLimitScore
			reasons = append(reasons, fmt.Sprintf("rate limit exceeded (%d messages in %s)", n, opts.RateWindow))
		}
	}

	if opts.CheckDuplicates && strings.TrimSpace(content) != "" {
		dup, degraded := d.seen(ctx, registrycounter.DuplicateKey(senderID), ContentHash(content), opts.DuplicateWindow)
		res.Details.Degraded = res.Details.Degraded || degraded
		if dup {
			res.Details.Duplicate = true
			res.Score += DuplicateScore
			reasons = append(reasons, fmt.Sprintf("duplicate message within %s", opts.DuplicateWindow))
		}
	}

	if opts.CheckURLs {
		res.Details.URLCount = CountURLs(content)
		if excess := res.Details.URLCount - opts.MaxURLCount; excess > 0 {
			res.Details.ExcessURLs = excess
			res.Score += ExcessURLScore * excess
			reasons = append(reasons, fmt.Sprintf("too many links (%d, max %d)", res.Details.URLCount, opts.MaxURLCount))
		}
	}

	if opts.CheckKeywords && len(opts.Keywords) > 0 {
		lower := strings.ToLower(content)
		for _, k := range opts.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || !strings.Contains(lower, k) || slices.Contains(res.Details.MatchedKeywords, k) {
				continue
			}
			res.Details.MatchedKeywords = append(res.Details.MatchedKeywords, k)
			res.Score += KeywordScore
		}
		if len(res.Details.MatchedKeywords) > 0 {
			reasons = append(reasons, "spam keywords: "+strings.Join(res.Details.MatchedKeywords, ", "))
		}
	}

	res.IsSpam = res.Score >= Threshold
	res.Reason = strings.Join(reasons, "; ")
	return res
}

func (d *Detector) incr(ctx context.Context, key string, window time.Duration) (int64, bool) {
	n, err := d.counters.IncrWindow(ctx, key, window)
	if err == nil {
		return n, false
	}
	log.Warn("Spam counters unavailable, using in-process fallback", "key", key, "err", err)
	security.CounterFallback("incr")
	if d.fallback == nil || d.fallback == d.counters {
		return 0, true
	}
	n, err = d.fallback.IncrWindow(ctx, key, window)
	if err != nil {
		return 0, true
	}
	return n, true
}

func (d *Detector) seen(ctx context.Context, key, member string, window time.Duration) (bool, bool) {
	seen, err := d.counters.SeenRecently(ctx, key, member, window)
	if err == nil {
		return seen, false
	}
	log.Warn("Spam counters unavailable, using in-process fallback", "key", key, "err", err)
	security.CounterFallback("seen")
	if d.fallback == nil || d.fallback == d.counters {
		return false, true
	}
	seen, err = d.fallback.SeenRecently(ctx, key, member, window)
	if err != nil {
		return false, true
	}
	return seen, true
}
