package nostrauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func signedHeader(t *testing.T, sk, url, method string, body []byte, createdAt time.Time) string {
	t.Helper()
	event := nostr.Event{
		Kind:      kindHTTPAuth,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Tags: nostr.Tags{
			{"u", url},
			{"method", method},
		},
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		event.Tags = append(event.Tags, nostr.Tag{"payload", hex.EncodeToString(sum[:])})
	}
	event.ID = event.GetID()
	if err := event.Sign(sk); err != nil {
		t.Fatalf("sign event: %v", err)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw)
}

func TestVerifyAuthHeaderAccepts(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("get public key: %v", err)
	}

	header := signedHeader(t, sk, "https://example.com/user-info/abc/def", "PUT", nil, time.Now())

	got, err := VerifyAuthHeader(header, "https://example.com/user-info/abc/def", "PUT", nil)
	if err != nil {
		t.Fatalf("VerifyAuthHeader: %v", err)
	}
	if got != pk {
		t.Fatalf("pubkey = %q, want %q", got, pk)
	}
}

func TestVerifyAuthHeaderRejectsMethodMismatch(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	header := signedHeader(t, sk, "https://example.com/x", "PUT", nil, time.Now())

	if _, err := VerifyAuthHeader(header, "https://example.com/x", "DELETE", nil); err == nil {
		t.Fatal("expected an error for mismatched method")
	}
}

func TestVerifyAuthHeaderRejectsURLMismatch(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	header := signedHeader(t, sk, "https://example.com/x", "PUT", nil, time.Now())

	if _, err := VerifyAuthHeader(header, "https://example.com/y", "PUT", nil); err == nil {
		t.Fatal("expected an error for mismatched url")
	}
}

func TestVerifyAuthHeaderRejectsStaleTimestamp(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	header := signedHeader(t, sk, "https://example.com/x", "PUT", nil, time.Now().Add(-10*time.Minute))

	if _, err := VerifyAuthHeader(header, "https://example.com/x", "PUT", nil); err == nil {
		t.Fatal("expected an error for a stale timestamp")
	}
}

func TestVerifyAuthHeaderRejectsFutureTimestamp(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	header := signedHeader(t, sk, "https://example.com/x", "PUT", nil, time.Now().Add(5*time.Minute))

	if _, err := VerifyAuthHeader(header, "https://example.com/x", "PUT", nil); err == nil {
		t.Fatal("expected an error for a future timestamp")
	}
}

func TestVerifyAuthHeaderTimestampBoundaries(t *testing.T) {
	cases := []struct {
		name   string
		offset time.Duration
		accept bool
	}{
		{"future 30s accepted", 30 * time.Second, true},
		{"future 31s rejected", 31 * time.Second, false},
		{"past 60s accepted", -60 * time.Second, true},
		{"past 61s rejected", -61 * time.Second, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sk := nostr.GeneratePrivateKey()
			now := time.Now()
			createdAt := now.Add(c.offset).Truncate(time.Second)
			header := signedHeader(t, sk, "https://example.com/x", "PUT", nil, createdAt)

			_, err := VerifyAuthHeader(header, "https://example.com/x", "PUT", nil)
			if c.accept && err != nil {
				t.Fatalf("expected acceptance at offset %s, got error: %v", c.offset, err)
			}
			if !c.accept && err == nil {
				t.Fatalf("expected rejection at offset %s, got acceptance", c.offset)
			}
		})
	}
}

func TestVerifyAuthHeaderChecksPayloadHash(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	body := []byte(`{"zap":true}`)
	header := signedHeader(t, sk, "https://example.com/x", "PUT", body, time.Now())

	if _, err := VerifyAuthHeader(header, "https://example.com/x", "PUT", []byte(`{"zap":false}`)); err == nil {
		t.Fatal("expected an error when body doesn't match the payload tag's hash")
	}

	if _, err := VerifyAuthHeader(header, "https://example.com/x", "PUT", body); err != nil {
		t.Fatalf("VerifyAuthHeader with matching body: %v", err)
	}
}

func TestVerifyAuthHeaderRejectsMalformedHeader(t *testing.T) {
	cases := []string{
		"",
		"Nostr",
		"Basic dXNlcjpwYXNz",
		"Nostr not-base64!!!",
	}
	for _, header := range cases {
		if _, err := VerifyAuthHeader(header, "https://example.com/x", "PUT", nil); err == nil {
			t.Fatalf("expected an error for header %q", header)
		}
	}
}
