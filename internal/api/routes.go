package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obs2co/owt-server/internal/cache"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/render"
	"github.com/obs2co/owt-server/internal/runstore"
	"github.com/obs2co/owt-server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatabaseRegistry
	Service     *service.ClassificationService
	JobManager  *JobManager
	Cache       *cache.Manager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/databases", databasesHandler(cfg.Registry))
		r.Get("/databases/{name}/legend", legendHandler(cfg.Service))
		r.Get("/databases/{name}/legend.png", legendPNGHandler(cfg.Service))
		r.Get("/stats", statsHandler(cfg.Cache))

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", runSubmitHandler(cfg.JobManager, cfg.Service, cfg.Registry))
			r.Get("/", runListHandler(cfg.JobManager))
			r.Get("/{run_id}", runStatusHandler(cfg.JobManager))
			r.Delete("/{run_id}", runCancelHandler(cfg.JobManager))
			r.Get("/{run_id}/layers", runLayersHandler(cfg.JobManager, cfg.Service))
			r.Get("/{run_id}/tiles/{layer}/{kind}/{z}/{x}/{y}.png", runTileHandler(cfg.JobManager, cfg.Service))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// databasesHandler returns the shipped reference databases.
func databasesHandler(registry *DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"title":     registry.Title(),
			"databases": registry.Databases(),
		})
	}
}

func legendHandler(svc *service.ClassificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		legend, err := svc.Legend(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"database": name,
			"legend":   legend,
		})
	}
}

func legendPNGHandler(svc *service.ClassificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.LegendPNG(chi.URLParam(r, "name"))
		if errors.Is(err, service.ErrNoSuchDatabase) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to render legend: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(data)
	}
}

func statsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

type runSubmitRequest struct {
	Input             string                    `json:"input"`
	Output            string                    `json:"output"`
	Databases         []pipeline.DatabaseConfig `json:"databases"`
	WavelengthMin     float64                   `json:"wavelength_min"`
	WavelengthMax     float64                   `json:"wavelength_max"`
	Overwrite         bool                      `json:"overwrite"`
	ParallelDatabases bool                      `json:"parallel_databases"`
}

func (req *runSubmitRequest) validate(registry *DatabaseRegistry) error {
	if strings.TrimSpace(req.Input) == "" {
		return errors.New("input is required")
	}
	if req.WavelengthMin > req.WavelengthMax {
		return fmt.Errorf("wavelength_min %g exceeds wavelength_max %g", req.WavelengthMin, req.WavelengthMax)
	}
	seen := make(map[string]bool, len(req.Databases))
	for _, db := range req.Databases {
		c, ok := registry.Get(db.Name)
		if !ok {
			return fmt.Errorf("unknown database %q", db.Name)
		}
		if db.Variant != "" {
			supported := false
			for _, v := range c.Variants {
				supported = supported || v == db.Variant
			}
			if !supported {
				return fmt.Errorf("database %s does not provide variant %q", db.Name, db.Variant)
			}
		}
		if seen[db.Suffix] {
			return fmt.Errorf("duplicate suffix %q", db.Suffix)
		}
		seen[db.Suffix] = true
	}
	return nil
}

func runSubmitHandler(jm *JobManager, svc *service.ClassificationService, registry *DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req runSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := req.validate(registry); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := svc.ResolveInput(req.Input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := svc.ResolveOutput(req.Output); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		run, err := jm.Submit(runstore.RunParams{
			Input:             strings.TrimSpace(req.Input),
			Output:            req.Output,
			Databases:         req.Databases,
			WavelengthMin:     req.WavelengthMin,
			WavelengthMax:     req.WavelengthMax,
			Overwrite:         req.Overwrite,
			ParallelDatabases: req.ParallelDatabases,
		})
		if err != nil {
			http.Error(w, "failed to submit run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		status := http.StatusAccepted
		if run.Status == runstore.RunStatusFailed {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, run)
	}
}

func runListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := jm.List(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*runstore.Run{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
	}
}

// lookupRun writes the error response and returns nil when the run is unavailable.
func lookupRun(jm *JobManager, w http.ResponseWriter, r *http.Request) *runstore.Run {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	run, err := jm.Get(chi.URLParam(r, "run_id"))
	if errors.Is(err, runstore.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	return run
}

func completedRun(jm *JobManager, w http.ResponseWriter, r *http.Request) *runstore.Run {
	run := lookupRun(jm, w, r)
	if run == nil {
		return nil
	}
	if run.Status != runstore.RunStatusCompleted {
		http.Error(w, "run is "+string(run.Status), http.StatusConflict)
		return nil
	}
	return run
}

func runStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if run := lookupRun(jm, w, r); run != nil {
			writeJSON(w, http.StatusOK, run)
		}
	}
}

// runCancelHandler cancels an active run or deletes a finished one.
func runCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := lookupRun(jm, w, r)
		if run == nil {
			return
		}

		if !run.Status.Terminal() {
			cancelled, err := jm.Cancel(run.ID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"run_id":    run.ID,
				"cancelled": cancelled,
				"deleted":   false,
			})
			return
		}

		if err := jm.Delete(run.ID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrRunActive) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id":    run.ID,
			"cancelled": false,
			"deleted":   true,
		})
	}
}

func runLayersHandler(jm *JobManager, svc *service.ClassificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(jm, w, r)
		if run == nil {
			return
		}
		layers, err := svc.Layers(run)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id":    run.ID,
			"output":    run.Output,
			"layers":    layers,
			"summaries": run.Layers,
		})
	}
}

func runTileHandler(jm *JobManager, svc *service.ClassificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		z, err := strconv.Atoi(chi.URLParam(r, "z"))
		if err != nil {
			http.Error(w, "invalid z", http.StatusBadRequest)
			return
		}
		x, err := strconv.Atoi(chi.URLParam(r, "x"))
		if err != nil {
			http.Error(w, "invalid x", http.StatusBadRequest)
			return
		}
		y, err := strconv.Atoi(chi.URLParam(r, "y"))
		if err != nil {
			http.Error(w, "invalid y", http.StatusBadRequest)
			return
		}

		run := completedRun(jm, w, r)
		if run == nil {
			return
		}

		data, err := svc.GetTile(run, chi.URLParam(r, "layer"), chi.URLParam(r, "kind"), z, x, y, r.URL.Query().Get("colormap"))
		switch {
		case errors.Is(err, service.ErrUnknownKind), errors.Is(err, pipeline.ErrNoLayer):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, render.ErrTileOutOfRange):
			// Outside the raster: serve a transparent tile
			data, err = svc.GetEmptyTile()
		}
		if err != nil {
			http.Error(w, "failed to render tile: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}
