package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
)

// Principal represents an authenticated API client. Arbiter keys may invoke
// dispute resolution and emergency refunds.
type Principal struct {
	APIKey  string
	Arbiter bool
}

// APIKey pairs an identifier with its shared HMAC secret.
type APIKey struct {
	Key     string
	Secret  string
	Arbiter bool
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	secrets              map[string]APIKey
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

// NewAuthenticator builds an Authenticator for the provided API keys. A nil
// nowFn defaults to time.Now.
func NewAuthenticator(keys []APIKey, skew time.Duration, nowFn func() time.Time) *Authenticator {
	secrets := make(map[string]APIKey, len(keys))
	for _, key := range keys {
		id := strings.TrimSpace(key.Key)
		if id == "" {
			continue
		}
		key.Key = id
		key.Secret = strings.TrimSpace(key.Secret)
		secrets[id] = key
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	return &Authenticator{
		secrets:              secrets,
		allowedTimestampSkew: skew,
		nonceTTL:             defaultNonceWindow,
		nowFn:                nowFn,
		nonces:               make(map[string]time.Time),
	}
}

// ComputeSignature derives the request signature clients must send:
// HMAC-SHA256(secret, timestamp|nonce|method|path|body).
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'|'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(path))
	mac.Write([]byte{'|'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	key, ok := a.secrets[apiKey]
	if !ok || key.Secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(time.Unix(unix, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(key.Secret, timestampHeader, nonce, r.Method, r.URL.Path, body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.registerNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Arbiter: key.Arbiter}, nil
}

// registerNonce records the nonce and reports whether it was already used
// within the replay window.
func (a *Authenticator) registerNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	composite := apiKey + "|" + timestamp + "|" + nonce
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	for key, seen := range a.nonces {
		if now.Sub(seen) > a.nonceTTL {
			delete(a.nonces, key)
		}
	}
	if _, dup := a.nonces[composite]; dup {
		return true
	}
	a.nonces[composite] = now
	return false
}
