// Package httpapi implements the authenticated device-registration and
// preferences HTTP surface, routed with go-chi. Every route requires a
// valid NIP-98 envelope whose pubkey matches the :pubkey path segment.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/damus-io/notepush/internal/nostrauth"
	"github.com/damus-io/notepush/internal/store"
)

// API wires the Store to the NIP-98 verifier and exposes the HTTP router.
type API struct {
	store   *store.Store
	baseURL string
	logger  *zap.Logger
}

func New(st *store.Store, baseURL string, logger *zap.Logger) *API {
	return &API{store: st, baseURL: baseURL, logger: logger}
}

// Router builds the chi router for the device-registration and
// preferences endpoints.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Put("/user-info/{pubkey}/{deviceToken}", a.registerDevice)
	r.Delete("/user-info/{pubkey}/{deviceToken}", a.unregisterDevice)
	r.Get("/user-info/{pubkey}/{deviceToken}/preferences", a.getPreferences)
	r.Put("/user-info/{pubkey}/{deviceToken}/preferences", a.setPreferences)
	return r
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errLabel, message string) {
	writeJSON(w, status, errorResponse{Error: errLabel, Message: message})
}

func (a *API) writeInternalError(w http.ResponseWriter, route string, err error) {
	caseID := uuid.New().String()
	a.logger.Error("internal server error", zap.String("route", route), zap.String("case_id", caseID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal server error", "Case ID: "+caseID)
}

// authorize runs the common preamble shared by every route: drain the
// body, verify the NIP-98 envelope, validate the path parameters, and
// confirm the authorized pubkey matches the path pubkey. It writes the
// appropriate error response itself on any failure.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (pubkey, deviceToken string, body []byte, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad request", "failed to read request body")
		return "", "", nil, false
	}

	url := a.baseURL + r.URL.Path
	authorizedPubkey, err := nostrauth.VerifyAuthHeader(r.Header.Get("Authorization"), url, r.Method, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return "", "", nil, false
	}

	pathPubkey := chi.URLParam(r, "pubkey")
	if _, err := hex.DecodeString(pathPubkey); err != nil || len(pathPubkey) != 64 {
		writeError(w, http.StatusBadRequest, "Bad request", "pubkey must be a 64-character hex string")
		return "", "", nil, false
	}

	deviceToken = chi.URLParam(r, "deviceToken")
	if deviceToken == "" || len(deviceToken) > 200 {
		writeError(w, http.StatusBadRequest, "Bad request", "deviceToken must be a non-empty string of at most 200 characters")
		return "", "", nil, false
	}

	if authorizedPubkey != pathPubkey {
		writeError(w, http.StatusForbidden, "Forbidden", "authorized pubkey does not match path pubkey")
		return "", "", nil, false
	}

	a.logger.Info("handling authenticated request",
		zap.String("method", r.Method), zap.String("path", r.URL.Path),
		zap.String("pubkey", authorizedPubkey))

	return pathPubkey, deviceToken, body, true
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	pubkey, deviceToken, _, ok := a.authorize(w, r)
	if !ok {
		return
	}

	if err := a.store.UpsertRegistration(r.Context(), pubkey, deviceToken, time.Now().Unix()); err != nil {
		a.writeInternalError(w, "register_device", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User info saved successfully"})
}

func (a *API) unregisterDevice(w http.ResponseWriter, r *http.Request) {
	pubkey, deviceToken, _, ok := a.authorize(w, r)
	if !ok {
		return
	}

	if err := a.store.DeleteRegistration(r.Context(), pubkey, deviceToken); err != nil {
		a.writeInternalError(w, "unregister_device", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User info removed successfully"})
}

func (a *API) getPreferences(w http.ResponseWriter, r *http.Request) {
	pubkey, deviceToken, _, ok := a.authorize(w, r)
	if !ok {
		return
	}

	prefs, err := a.store.GetPreferences(r.Context(), pubkey, deviceToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not found", "no such device registration")
			return
		}
		a.writeInternalError(w, "get_preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (a *API) setPreferences(w http.ResponseWriter, r *http.Request) {
	pubkey, deviceToken, body, ok := a.authorize(w, r)
	if !ok {
		return
	}

	prefs, err := decodePreferences(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad request", "malformed preferences body: "+err.Error())
		return
	}

	if err := a.store.SetPreferences(r.Context(), pubkey, deviceToken, prefs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Not found", "no such device registration")
			return
		}
		a.writeInternalError(w, "set_preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Preferences updated successfully"})
}

// preferenceFields lists the six keys a preferences body must carry, in
// exact correspondence with store.Preferences' json tags.
var preferenceFields = []string{"zap", "mention", "repost", "reaction", "dm", "only_from_following"}

// decodePreferences requires a JSON object with exactly the six boolean
// preference keys, each actually boolean-typed — no missing keys, no extra
// keys, no type coercion.
func decodePreferences(body []byte) (store.Preferences, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return store.Preferences{}, err
	}
	if len(raw) != len(preferenceFields) {
		return store.Preferences{}, errors.New("expected exactly the six preference fields")
	}

	values := make(map[string]bool, len(preferenceFields))
	for _, field := range preferenceFields {
		rawValue, ok := raw[field]
		if !ok {
			return store.Preferences{}, errors.New("missing field: " + field)
		}
		var v bool
		if err := json.Unmarshal(rawValue, &v); err != nil {
			return store.Preferences{}, errors.New("field " + field + " must be a boolean")
		}
		values[field] = v
	}

	return store.Preferences{
		Zap:               values["zap"],
		Mention:           values["mention"],
		Repost:            values["repost"],
		Reaction:          values["reaction"],
		DM:                values["dm"],
		OnlyFromFollowing: values["only_from_following"],
	}, nil
}
