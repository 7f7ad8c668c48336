// Package srs implements the Sender Rewriting Scheme for redirected mail:
// SRS0 for first-hop rewrites, SRS1 when the sender is already rewritten.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/sora-sieve/config"
	"github.com/migadu/sora-sieve/helpers"
)

const (
	hashLength    = 4
	timePrecision = 24 * time.Hour
	timeSlots     = 1024 // 2 base32 characters
	base32Chars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	separator     = "="
)

var (
	ErrNotSRS      = errors.New("address is not an SRS address")
	ErrBadHash     = errors.New("SRS hash mismatch")
	ErrExpired     = errors.New("SRS timestamp expired")
	ErrBadEncoding = errors.New("malformed SRS address")
)

// Rewriter rewrites return paths under one domain. It holds no mutable
// state and is safe for concurrent use.
type Rewriter struct {
	domain        string
	secrets       [][]byte
	alwaysRewrite bool
	maxAge        time.Duration
	now           func() time.Time
}

// New builds a Rewriter from cfg. It returns nil when SRS is not
// configured.
func New(cfg config.SRSConfig) (*Rewriter, error) {
	if !cfg.IsConfigured() {
		return nil, nil
	}
	maxAge, err := cfg.GetMaxAge()
	if err != nil {
		return nil, fmt.Errorf("invalid srs max_age: %w", err)
	}
	r := &Rewriter{
		domain:        strings.ToLower(cfg.Domain),
		alwaysRewrite: cfg.AlwaysRewrite,
		maxAge:        maxAge,
		now:           time.Now,
	}
	for _, s := range cfg.Secrets {
		r.secrets = append(r.secrets, []byte(s))
	}
	return r, nil
}

// WithClock overrides the time source.
func (r *Rewriter) WithClock(now func() time.Time) *Rewriter {
	r.now = now
	return r
}

// Domain returns the rewriting domain.
func (r *Rewriter) Domain() string { return r.domain }

// Forward rewrites returnPath so bounces come back through this domain.
// The null sender is returned unchanged, as are local senders unless
// always_rewrite is set.
func (r *Rewriter) Forward(returnPath string) (string, error) {
	returnPath = helpers.StripBrackets(returnPath)
	if returnPath == "" {
		return "", nil
	}
	local, domain, err := helpers.SplitAddress(returnPath)
	if err != nil {
		return "", err
	}
	if domain == r.domain && !r.alwaysRewrite {
		return returnPath, nil
	}

	if len(local) > 5 && isSRSPrefix(local, "SRS1") {
		// SRS1=HHHH=orighost==rest
		parts := strings.SplitN(local[5:], separator, 3)
		if len(parts) == 3 && strings.HasPrefix(parts[2], separator) {
			return r.srs1(parts[1], parts[2]), nil
		}
	}
	if len(local) > 5 && isSRSPrefix(local, "SRS0") {
		return r.srs1(domain, local[4:]), nil
	}

	stamp := r.timestamp()
	hash := r.hash(r.secrets[0], stamp, domain, local)
	return fmt.Sprintf("SRS0=%s=%s=%s=%s@%s", hash, stamp, domain, local, r.domain), nil
}

// srs1 builds SRS1=HHHH=orighost=rest, where rest keeps its leading
// separator.
func (r *Rewriter) srs1(orighost, rest string) string {
	hash := r.hash(r.secrets[0], orighost, rest)
	return fmt.Sprintf("SRS1=%s=%s=%s@%s", hash, orighost, rest, r.domain)
}

// Reverse undoes one level of rewriting, validating hash and age.
func (r *Rewriter) Reverse(addr string) (string, error) {
	local, _, err := helpers.SplitAddress(addr)
	if err != nil {
		return "", err
	}

	switch {
	case len(local) > 5 && isSRSPrefix(local, "SRS0"):
		parts := strings.SplitN(local[5:], separator, 4)
		if len(parts) != 4 {
			return "", ErrBadEncoding
		}
		hash, stamp, domain, user := parts[0], parts[1], parts[2], parts[3]
		if !r.verify(hash, stamp, domain, user) {
			return "", ErrBadHash
		}
		if err := r.checkTimestamp(stamp); err != nil {
			return "", err
		}
		return user + "@" + domain, nil

	case len(local) > 5 && isSRSPrefix(local, "SRS1"):
		parts := strings.SplitN(local[5:], separator, 3)
		if len(parts) != 3 || !strings.HasPrefix(parts[2], separator) {
			return "", ErrBadEncoding
		}
		hash, orighost, rest := parts[0], parts[1], parts[2]
		if !r.verify(hash, orighost, rest) {
			return "", ErrBadHash
		}
		return "SRS0" + rest + "@" + orighost, nil
	}
	return "", ErrNotSRS
}

func isSRSPrefix(local, tag string) bool {
	if !strings.EqualFold(local[:4], tag) {
		return false
	}
	c := local[4]
	return c == '=' || c == '-' || c == '+'
}

func (r *Rewriter) hash(secret []byte, data ...string) string {
	mac := hmac.New(sha1.New, secret)
	for _, d := range data {
		mac.Write([]byte(strings.ToLower(d)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))[:hashLength]
}

func (r *Rewriter) verify(hash string, data ...string) bool {
	for _, secret := range r.secrets {
		if strings.EqualFold(hash, r.hash(secret, data...)) {
			return true
		}
	}
	return false
}

func (r *Rewriter) timestamp() string {
	slot := (r.now().Unix() / int64(timePrecision/time.Second)) % timeSlots
	return string([]byte{base32Chars[slot>>5], base32Chars[slot&31]})
}

func (r *Rewriter) checkTimestamp(stamp string) error {
	if len(stamp) != 2 {
		return ErrBadEncoding
	}
	var then int64
	for _, c := range strings.ToUpper(stamp) {
		i := strings.IndexRune(base32Chars, c)
		if i < 0 {
			return ErrBadEncoding
		}
		then = then<<5 | int64(i)
	}
	now := (r.now().Unix() / int64(timePrecision/time.Second)) % timeSlots
	age := (now - then + timeSlots) % timeSlots
	if time.Duration(age)*timePrecision > r.maxAge {
		return ErrExpired
	}
	return nil
}
