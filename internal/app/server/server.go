// Package server is the debug HTTP surface of the streamer binary: health checks,
// metrics, engine state and a few control endpoints that feed the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tilestream/internal/engine"
	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/health"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	imw "github.com/mohammed-shakir/tilestream/internal/middleware"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
	"github.com/mohammed-shakir/tilestream/internal/viewport"
)

// Engine is the part of the engine the server drives.
type Engine interface {
	UpdateViewport(v viewport.Viewport)
	ResetLayer(layer int)
	SetOffline(v bool)
	SetOfflineForCachedLayers(v bool)
	SetVisible(v bool)
	Invalidate(key tilekey.Key)
	SetLanguage(lang string)
	SaveCache(ctx context.Context) error
	Descriptor() format.Descriptor
	Stats() engine.Stats
}

type Deps struct {
	Logger  *slog.Logger
	Engine  Engine
	Metrics http.Handler
	// Ready is consulted by /readyz in addition to the engine's descriptor.
	Ready []health.ReadinessReporter
}

func NewRouter(d Deps) http.Handler {
	h := &handlers{log: d.Logger, eng: d.Engine}

	r := chi.NewRouter()
	r.Use(imw.Recover(d.Logger))
	r.Use(imw.Logging(d.Logger))
	r.Use(imw.CORS())

	ready := append([]health.ReadinessReporter{health.ReadinessFunc(h.descriptorReady)}, d.Ready...)
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(health.All(ready...)))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Get("/state", h.state)
	r.Get("/descriptor", h.descriptor)
	r.Post("/viewport", h.viewport)
	r.Post("/visible", h.flag(d.Engine.SetVisible))
	r.Post("/offline", h.flag(d.Engine.SetOffline))
	r.Post("/offline/cached", h.flag(d.Engine.SetOfflineForCachedLayers))
	r.Post("/layers/{layer}/reset", h.resetLayer)
	r.Post("/invalidate", h.invalidate)
	r.Post("/language", h.language)
	r.Post("/save", h.save)
	return r
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type handlers struct {
	log *slog.Logger
	eng Engine
}

func (h *handlers) descriptorReady() (bool, []int32) {
	return h.eng.Descriptor() != nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Stats())
}

type layerView struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	NumImportances int    `json:"importances"`
	HasStrings     bool   `json:"strings"`
	Cacheable      bool   `json:"cacheable"`
	MaxZoom        int    `json:"max_zoom"`
}

func (h *handlers) descriptor(w http.ResponseWriter, _ *http.Request) {
	d := h.eng.Descriptor()
	if d == nil {
		http.Error(w, "descriptor not loaded", http.StatusServiceUnavailable)
		return
	}
	layers := make([]layerView, 0, len(d.Layers()))
	for _, l := range d.Layers() {
		layers = append(layers, layerView{
			ID: l.ID, Name: l.Name, Kind: l.Kind.String(), NumImportances: l.NumImportances,
			HasStrings: l.HasStrings, Cacheable: l.Cacheable, MaxZoom: l.MaxZoom,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crc":    fmt.Sprintf("%08x", d.CRC()),
		"layers": layers,
	})
}

type viewportRequest struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	Zoom   int     `json:"zoom"`
}

func (h *handlers) viewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	v := viewport.New(req.MinLat, req.MaxLat, req.MinLon, req.MaxLon, req.Zoom)
	if !v.Valid() {
		http.Error(w, "min_lat above max_lat", http.StatusBadRequest)
		return
	}
	h.eng.UpdateViewport(v)
	w.WriteHeader(http.StatusAccepted)
}

// flag handles a {"value": bool} body.
func (h *handlers) flag(set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value *bool `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			http.Error(w, `body must be {"value": true|false}`, http.StatusBadRequest)
			return
		}
		set(*req.Value)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *handlers) resetLayer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "layer")
	d := h.eng.Descriptor()
	if d == nil {
		http.Error(w, "descriptor not loaded", http.StatusServiceUnavailable)
		return
	}
	l, ok := d.LayerByName(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown layer %q", name), http.StatusNotFound)
		return
	}
	h.eng.ResetLayer(l.ID)
	h.log.InfoContext(logger.WithLayer(r.Context(), l.Name), "layer reset requested", "id", l.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	k, err := tilekey.Parse(r.URL.Query().Get("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.eng.Invalidate(k)
	h.log.DebugContext(logger.WithTile(r.Context(), k.String()), "invalidation requested")
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) language(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := (tilekey.Key{Content: tilekey.Strings, Lang: req.Value}).Validate(); err != nil || req.Value == "" {
		http.Error(w, fmt.Sprintf("invalid language %q", req.Value), http.StatusBadRequest)
		return
	}
	h.eng.SetLanguage(req.Value)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) save(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := h.eng.SaveCache(ctx); err != nil {
		h.log.WarnContext(r.Context(), "save cache", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
