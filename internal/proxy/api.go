package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"languagepal-offline/internal/offline"
	"languagepal-offline/pkg/expstore"
	"languagepal-offline/pkg/health"
	"languagepal-offline/pkg/logger"

	"go.uber.org/zap"
)

// maxStoredValue bounds a single PUT to the storage API.
const maxStoredValue = 5 << 20

// API serves the local endpoints: controller status and the expiring store.
type API struct {
	controller *offline.Controller
	checker    *health.Checker
	store      *expstore.Store
	prefs      *expstore.Preferences
	logger     *logger.Logger
}

func NewAPI(controller *offline.Controller, checker *health.Checker, store *expstore.Store, logger *logger.Logger) *API {
	return &API{
		controller: controller,
		checker:    checker,
		store:      store,
		prefs:      expstore.NewPreferences(store),
		logger:     logger,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /_offline/status", a.status)
	mux.HandleFunc("GET /_storage/{key}", a.getValue)
	mux.HandleFunc("PUT /_storage/{key}", a.putValue)
	mux.HandleFunc("DELETE /_storage/{key}", a.deleteValue)
	mux.HandleFunc("DELETE /_storage", a.clearAll)
	mux.HandleFunc("GET /_session", a.getSession)
	mux.HandleFunc("PUT /_session", a.putSession)
}

type statusResponse struct {
	Offline offline.Status `json:"offline"`
	Origin  *health.Status `json:"origin,omitempty"`
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Offline: a.controller.Status()}
	if a.checker != nil {
		s := a.checker.Status()
		resp.Origin = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getValue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var value json.RawMessage
	ok, err := a.store.Get(key, &value)
	if err != nil {
		a.storageError(w, "get", key, err)
		return
	}
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}

// putValue stores the JSON request body under key for the duration given in
// the ttl query parameter, e.g. ?ttl=24h.
func (a *API) putValue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	ttl, err := time.ParseDuration(r.URL.Query().Get("ttl"))
	if err != nil || ttl <= 0 {
		http.Error(w, "ttl must be a positive duration", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStoredValue))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "body must be valid JSON", http.StatusBadRequest)
		return
	}

	if err := a.store.Set(key, json.RawMessage(body), ttl); err != nil {
		a.storageError(w, "set", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteValue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := a.store.Remove(key); err != nil {
		a.storageError(w, "remove", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearAll(w http.ResponseWriter, r *http.Request) {
	if err := a.prefs.ClearAll(); err != nil {
		a.storageError(w, "clear", "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.prefs.LoadSession()
	if err != nil {
		a.storageError(w, "load session", "", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) putSession(w http.ResponseWriter, r *http.Request) {
	var s expstore.Session
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStoredValue)).Decode(&s); err != nil {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return
	}
	if err := a.prefs.SaveSession(s); err != nil {
		a.storageError(w, "save session", "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) storageError(w http.ResponseWriter, op, key string, err error) {
	a.logger.Error("Storage operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
