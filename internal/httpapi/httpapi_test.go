package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/damus-io/notepush/internal/store"
)

const baseURL = "https://notepush.example.com"

func newTestAPI(t *testing.T) (*API, string, func(method, path string, body []byte) string) {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	st, err := store.Open(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("get public key: %v", err)
	}

	sign := func(method, path string, body []byte) string {
		event := nostr.Event{
			Kind:      27235,
			CreatedAt: nostr.Timestamp(time.Now().Unix()),
			Tags: nostr.Tags{
				{"u", baseURL + path},
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

	return New(st, baseURL, zap.NewNop()), pk, sign
}

func TestRegisterAndDeleteDevice(t *testing.T) {
	api, pk, sign := newTestAPI(t)
	router := api.Router()

	path := "/user-info/" + pk + "/abc123"
	req := httptest.NewRequest(http.MethodPut, path, nil)
	req.Header.Set("Authorization", sign(http.MethodPut, path, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var registerResp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &registerResp); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	if registerResp.Message != "User info saved successfully" {
		t.Fatalf("register message = %q, want %q", registerResp.Message, "User info saved successfully")
	}

	req = httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set("Authorization", sign(http.MethodDelete, path, nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unregister status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var unregisterResp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &unregisterResp); err != nil {
		t.Fatalf("unmarshal unregister response: %v", err)
	}
	if unregisterResp.Message != "User info removed successfully" {
		t.Fatalf("unregister message = %q, want %q", unregisterResp.Message, "User info removed successfully")
	}
}

func TestRegisterRejectsMismatchedPubkey(t *testing.T) {
	api, _, sign := newTestAPI(t)
	router := api.Router()

	otherPubkey := strings.Repeat("0", 64)
	path := "/user-info/" + otherPubkey + "/abc123"
	req := httptest.NewRequest(http.MethodPut, path, nil)
	req.Header.Set("Authorization", sign(http.MethodPut, path, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	api, pk, sign := newTestAPI(t)
	router := api.Router()

	regPath := "/user-info/" + pk + "/abc123"
	req := httptest.NewRequest(http.MethodPut, regPath, nil)
	req.Header.Set("Authorization", sign(http.MethodPut, regPath, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d", rec.Code)
	}

	prefsPath := regPath + "/preferences"
	body := []byte(`{"zap":false,"mention":true,"repost":false,"reaction":true,"dm":false,"only_from_following":true}`)
	req = httptest.NewRequest(http.MethodPut, prefsPath, bytes.NewReader(body))
	req.Header.Set("Authorization", sign(http.MethodPut, prefsPath, body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("set prefs status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, prefsPath, nil)
	req.Header.Set("Authorization", sign(http.MethodGet, prefsPath, nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get prefs status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got store.Preferences
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	want := store.Preferences{Zap: false, Mention: true, Repost: false, Reaction: true, DM: false, OnlyFromFollowing: true}
	if got != want {
		t.Fatalf("preferences = %+v, want %+v", got, want)
	}
}

func TestSetPreferencesRejectsMissingField(t *testing.T) {
	api, pk, sign := newTestAPI(t)
	router := api.Router()

	regPath := "/user-info/" + pk + "/abc123"
	req := httptest.NewRequest(http.MethodPut, regPath, nil)
	req.Header.Set("Authorization", sign(http.MethodPut, regPath, nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	prefsPath := regPath + "/preferences"
	body := []byte(`{"zap":false,"mention":true,"repost":false,"reaction":true,"dm":false}`)
	req = httptest.NewRequest(http.MethodPut, prefsPath, bytes.NewReader(body))
	req.Header.Set("Authorization", sign(http.MethodPut, prefsPath, body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
