// Package nostrauth verifies NIP-98 HTTP-auth envelopes: a base64-encoded,
// signed Nostr event of kind 27235 carried in the Authorization header,
// binding a request to a pubkey. Grounded directly on the original Rust
// implementation's nip98_auth.rs, including its saturating time-delta
// helper (timestamp subtraction that can't underflow a u64).
package nostrauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	kindHTTPAuth = 27235

	maxFutureSkew = 30 * time.Second
	maxPastSkew   = 60 * time.Second
)

// AuthError describes why a NIP-98 header was rejected. The HTTP layer
// maps every AuthError to a 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

func authErrorf(format string, args ...any) error {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// VerifyAuthHeader validates the raw Authorization header value against
// the reconstructed absolute request URL, HTTP method, and raw body bytes,
// and returns the authorized pubkey on success.
func VerifyAuthHeader(authHeader, url, method string, body []byte) (string, error) {
	if strings.TrimSpace(authHeader) == "" {
		return "", authErrorf("authorization header missing")
	}

	parts := strings.Fields(authHeader)
	if len(parts) != 2 {
		return "", authErrorf("authorization header does not have exactly 2 parts")
	}
	if parts[0] != "Nostr" {
		return "", authErrorf("authorization header does not start with 'Nostr'")
	}
	if parts[1] == "" {
		return "", authErrorf("authorization header has no base64-encoded note")
	}

	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", authErrorf("failed to decode base64 note: %v", err)
	}

	var event nostr.Event
	if err := json.Unmarshal(decoded, &event); err != nil {
		return "", authErrorf("failed to parse note JSON: %v", err)
	}

	if event.Kind != kindHTTPAuth {
		return "", authErrorf("note kind %d is not NIP-98 (27235)", event.Kind)
	}

	authorizedURL, ok := firstTagValue(event, "u")
	if !ok {
		return "", authErrorf("missing 'u' tag")
	}
	authorizedMethod, ok := firstTagValue(event, "method")
	if !ok {
		return "", authErrorf("missing 'method' tag")
	}

	if authorizedURL != url {
		return "", authErrorf("note url %q does not match request url %q", authorizedURL, url)
	}
	if !strings.EqualFold(authorizedMethod, method) {
		return "", authErrorf("note method %q does not match request method %q", authorizedMethod, method)
	}

	delta := subtractTimestamps(time.Now().Unix(), int64(event.CreatedAt))
	if (delta.negative && delta.seconds > uint64(maxFutureSkew.Seconds())) ||
		(!delta.negative && delta.seconds > uint64(maxPastSkew.Seconds())) {
		return "", authErrorf("note timestamp is outside the allowed window (delta %s)", delta)
	}

	payloadTag, hasPayload := firstTagValue(event, "payload")
	if len(body) > 0 {
		if !hasPayload {
			return "", authErrorf("request has a body but note has no 'payload' tag")
		}
		wantHash, err := hex.DecodeString(payloadTag)
		if err != nil {
			return "", authErrorf("payload tag is not valid hex: %v", err)
		}
		gotHash := sha256.Sum256(body)
		if !hashesEqual(wantHash, gotHash[:]) {
			return "", authErrorf("payload tag does not match request body hash")
		}
	} else if hasPayload {
		return "", authErrorf("note has a 'payload' tag but the request has no body")
	}

	if event.GetID() != event.ID {
		return "", authErrorf("note id does not match its canonical hash")
	}
	ok, err = event.CheckSignature()
	if err != nil || !ok {
		return "", authErrorf("note signature is invalid")
	}

	return event.PubKey, nil
}

func firstTagValue(event nostr.Event, name string) (string, bool) {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

func hashesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// timeDelta is the saturating absolute difference between two whole-second
// unix timestamps, mirroring nip98_auth.rs's integer TimeDelta helper so
// that comparing a future-dated note to "now" can't underflow and so the
// accept/reject boundary lands on an exact second, not a float64-rounded
// one.
type timeDelta struct {
	seconds  uint64
	negative bool // true when t1 (first arg to subtractTimestamps) is before t2
}

func subtractTimestamps(t1, t2 int64) timeDelta {
	if t1 >= t2 {
		return timeDelta{seconds: uint64(t1 - t2), negative: false}
	}
	return timeDelta{seconds: uint64(t2 - t1), negative: true}
}

func (d timeDelta) String() string {
	if d.negative {
		return fmt.Sprintf("-%d", d.seconds)
	}
	return fmt.Sprintf("%d", d.seconds)
}
