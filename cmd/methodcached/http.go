package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
	"github.com/eoniclabs/methodcache/internal/policy"
	"github.com/eoniclabs/methodcache/internal/storage"
)

// maxValueBytes caps the request body of a single cache write.
const maxValueBytes = 8 << 20

// apiHandler exposes the storage engine over HTTP.
type apiHandler struct {
	Coord    *storage.Coordinator
	Profiles *policy.Profiles
}

// RegisterRoutes registers all daemon routes on the given mux.
func (h *apiHandler) RegisterRoutes(mux *http.ServeMux) {
	// Cache entries
	mux.HandleFunc("GET /cache/{key}", h.GetEntry)
	mux.HandleFunc("PUT /cache/{key}", h.PutEntry)
	mux.HandleFunc("DELETE /cache/{key}", h.DeleteEntry)
	mux.HandleFunc("GET /cache/{key}/exists", h.EntryExists)

	// Tag invalidation
	mux.HandleFunc("DELETE /tags/{tag}", h.DeleteTag)

	// Health and observability
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", metrics.Handler())
}

// GetEntry handles GET /cache/{key}
func (h *apiHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	entry, op, found, err := h.Coord.GetWithOperation(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	contentType := entry.TypeHint
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cache-Layer", strings.Join(op.LayersHit(), ","))
	if !entry.ExpiresAt.IsZero() {
		w.Header().Set("X-Cache-Expires-At", entry.ExpiresAt.UTC().Format(time.RFC3339))
	}
	w.Write(entry.Value)
}

// PutEntry handles PUT /cache/{key}
//
// Expiry and tags come from query parameters: ?profile= resolves a named
// policy profile, while ?ttl= and ?tags= override individual fields.
func (h *apiHandler) PutEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var ttl time.Duration
	var tags []string

	if name := r.URL.Query().Get("profile"); name != "" {
		if h.Profiles == nil {
			http.Error(w, "no cache profiles configured", http.StatusBadRequest)
			return
		}
		p, ok := h.Profiles.Resolve(name)
		if !ok {
			http.Error(w, "unknown cache profile: "+name, http.StatusBadRequest)
			return
		}
		ttl = p.Duration
		tags = p.Tags
	}
	if v := r.URL.Query().Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid ttl: "+err.Error(), http.StatusBadRequest)
			return
		}
		ttl = d
	}
	if v := r.URL.Query().Get("tags"); v != "" {
		tags = strings.Split(v, ",")
	}

	typeHint := r.Header.Get("Content-Type")
	if err := h.Coord.Set(r.Context(), key, body, typeHint, ttl, tags); err != nil {
		writeOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteEntry handles DELETE /cache/{key}
func (h *apiHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if err := h.Coord.Remove(r.Context(), key); err != nil {
		writeOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EntryExists handles GET /cache/{key}/exists
func (h *apiHandler) EntryExists(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	found, err := h.Coord.Exists(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"exists": found})
}

// DeleteTag handles DELETE /tags/{tag}
func (h *apiHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")

	if err := h.Coord.RemoveByTag(r.Context(), tag); err != nil {
		writeOperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz
func (h *apiHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := h.Coord.Health(ctx)

	w.Header().Set("Content-Type", "application/json")
	if health.Overall == storage.StatusUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

// Stats handles GET /stats
func (h *apiHandler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Coord.Stats())
}

// writeOperationError maps engine errors to HTTP responses. A partial
// fan-out failure reports which layers did accept the write.
func writeOperationError(w http.ResponseWriter, err error) {
	var partial *storage.PartialError
	if errors.As(err, &partial) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     partial.Error(),
			"succeeded": partial.Succeeded,
		})
		return
	}
	if errors.Is(err, storage.ErrInvalidKey) || errors.Is(err, storage.ErrInvalidTag) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func startHTTPServer(addr string, coord *storage.Coordinator, profiles *policy.Profiles) *http.Server {
	handler := &apiHandler{Coord: coord, Profiles: profiles}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logging.Op().Info("HTTP endpoint started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
