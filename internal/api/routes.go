package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/runstore"
	"github.com/kanaverse/bakana-sub002/internal/service"
	"github.com/kanaverse/bakana-sub002/pkg/colormap"
)

// Results serves the in-memory results of finished runs.
type Results interface {
	Markers(runID string, q service.MarkerQuery) ([]service.MarkerRow, error)
	Versus(runID, modality string, left, right int, effect string, limit int) ([]service.VersusRow, error)
	AddSelection(runID, id string, indices []int) error
	RemoveSelection(runID, id string) error
	SelectionMarkers(runID, id, modality, effect string, limit int) ([]service.MarkerRow, error)
	Plot(runID string, req service.PlotRequest) ([]byte, error)
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	CORSOrigins []string
	RunManager  *RunManager
	Results     Results
	// Metrics serves /metrics when set.
	Metrics http.Handler
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
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
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Get("/api/formats", formatsHandler)

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", runSubmitHandler(cfg.RunManager))
		r.Get("/", runListHandler(cfg.RunManager))

		r.Route("/{run_id}", func(r chi.Router) {
			r.Use(runMiddleware(cfg.RunManager))

			r.Get("/", runStatusHandler)
			r.Delete("/", runCancelHandler(cfg.RunManager))
			r.Get("/steps", runStepsHandler(cfg.RunManager))
			r.Get("/clusters", runClustersHandler(cfg.RunManager))

			// Results of completed runs
			r.Group(func(r chi.Router) {
				r.Use(completedOnly)
				r.Get("/markers", markersHandler(cfg.Results))
				r.Get("/versus", versusHandler(cfg.Results))
				r.Post("/selections", selectionAddHandler(cfg.Results))
				r.Delete("/selections/{selection_id}", selectionRemoveHandler(cfg.Results))
				r.Get("/selections/{selection_id}/markers", selectionMarkersHandler(cfg.Results))
				r.Get("/plots/{embedding}", plotHandler(cfg.Results))
			})
		})
	})

	return r
}

type ctxKey string

const runKey ctxKey = "run"

// runMiddleware resolves the run from URL and injects it into context.
func runMiddleware(rm *RunManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rm == nil {
				http.Error(w, "run manager not configured", http.StatusNotImplemented)
				return
			}
			runID := chi.URLParam(r, "run_id")
			run := rm.Get(runID)
			if run == nil {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), runKey, run)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getRun(r *http.Request) *runstore.Run {
	if run, ok := r.Context().Value(runKey).(*runstore.Run); ok {
		return run
	}
	return nil
}

func completedOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		run := getRun(r)
		if run.Status != runstore.RunStatusCompleted {
			http.Error(w, "run not completed (status: "+string(run.Status)+")", http.StatusConflict)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// resultError maps a results error onto a status code.
func resultError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrNotLoaded) {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// parseLimit reads a positive limit, clamped to 500.
func parseLimit(r *http.Request, def int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

// parseCluster reads a 1-based cluster parameter and returns it 0-based.
func parseCluster(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 1 {
		return 0, errors.New(name + " must be a cluster number starting at 1")
	}
	return v - 1, nil
}

func modality(r *http.Request) string {
	if m := r.URL.Query().Get("modality"); m != "" {
		return m
	}
	return data.RNA
}

func formatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"formats":   data.Formats(),
		"colormaps": colormap.Names(),
	})
}

type runSubmitRequest struct {
	Name       string                 `json:"name"`
	Datasets   []runstore.DatasetSpec `json:"datasets"`
	Parameters json.RawMessage        `json:"parameters"`
	Animate    bool                   `json:"animate"`
}

func runSubmitHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rm == nil {
			http.Error(w, "run manager not configured", http.StatusNotImplemented)
			return
		}

		var req runSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if len(req.Datasets) == 0 {
			http.Error(w, "datasets is required (at least one dataset)", http.StatusBadRequest)
			return
		}
		known := map[string]bool{}
		for _, f := range data.Formats() {
			known[f] = true
		}
		for _, ds := range req.Datasets {
			if !known[ds.Format] {
				http.Error(w, "unknown dataset format: "+ds.Format, http.StatusBadRequest)
				return
			}
			if len(ds.Files) == 0 {
				http.Error(w, "dataset has no files: "+ds.Name, http.StatusBadRequest)
				return
			}
		}

		params := runstore.RunParams{
			Datasets:   req.Datasets,
			Parameters: req.Parameters,
			Animate:    req.Animate,
		}
		if _, err := service.Parameters(params); err != nil {
			http.Error(w, "invalid parameters: "+err.Error(), http.StatusBadRequest)
			return
		}

		run, err := rm.Submit(req.Name, params)
		if err != nil {
			http.Error(w, "failed to submit run: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"run_id": run.ID,
			"status": run.Status,
		})
	}
}

func runListHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rm == nil {
			http.Error(w, "run manager not configured", http.StatusNotImplemented)
			return
		}
		runs, err := rm.Store().ListRuns(parseLimit(r, 50))
		if err != nil {
			http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		items := make([]map[string]interface{}, 0, len(runs))
		for _, run := range runs {
			items = append(items, map[string]interface{}{
				"run_id":     run.ID,
				"name":       run.Name,
				"status":     run.Status,
				"created_at": run.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": items})
	}
}

func runStatusHandler(w http.ResponseWriter, r *http.Request) {
	run := getRun(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":       run.ID,
		"name":         run.Name,
		"status":       run.Status,
		"created_at":   run.CreatedAt,
		"started_at":   run.StartedAt,
		"finished_at":  run.FinishedAt,
		"progress":     run.Progress,
		"num_cells":    run.NumCells,
		"num_clusters": run.NumClusters,
		"error":        run.Error,
		"failed_step":  run.FailedStep,
	})
}

// runCancelHandler cancels a run; with purge=true the run and its results
// are deleted as well.
func runCancelHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := getRun(r)
		if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
			if err := rm.Delete(run.ID); err != nil {
				http.Error(w, "failed to delete run: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"run_id":  run.ID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id":    run.ID,
			"cancelled": rm.Cancel(run.ID),
		})
	}
}

func runStepsHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := getRun(r)
		steps, err := rm.Store().ListSteps(run.ID)
		if err != nil {
			http.Error(w, "failed to list steps: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"run_id": run.ID,
			"steps":  steps,
		})
	}
}

func runClustersHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := getRun(r)

		offset := 0
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		limit := parseLimit(r, 100)

		items, total, err := rm.Store().QueryClusters(run.ID, r.URL.Query().Get("order_by"), offset, limit)
		if err != nil {
			http.Error(w, "failed to query clusters: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total":  total,
			"offset": offset,
			"limit":  limit,
			"items":  items,
		})
	}
}

func markersHandler(res Results) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster, err := parseCluster(r, "cluster")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := r.URL.Query()
		rows, err := res.Markers(getRun(r).ID, service.MarkerQuery{
			Modality: modality(r),
			Cluster:  cluster,
			Effect:   q.Get("effect"),
			Summary:  q.Get("summary"),
			Limit:    parseLimit(r, 50),
		})
		if err != nil {
			resultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cluster": cluster + 1,
			"markers": rows,
		})
	}
}

func versusHandler(res Results) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		left, err := parseCluster(r, "left")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		right, err := parseCluster(r, "right")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err := res.Versus(getRun(r).ID, modality(r), left, right, r.URL.Query().Get("effect"), parseLimit(r, 50))
		if err != nil {
			resultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"left":    left + 1,
			"right":   right + 1,
			"markers": rows,
		})
	}
}

type selectionRequest struct {
	ID      string `json:"id"`
	Indices []int  `json:"indices"`
}

func selectionAddHandler(res Results) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if err := res.AddSelection(getRun(r).ID, req.ID, req.Indices); err != nil {
			resultError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"selection_id": req.ID,
			"size":         len(req.Indices),
		})
	}
}

func selectionRemoveHandler(res Results) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "selection_id")
		if err := res.RemoveSelection(getRun(r).ID, id); err != nil {
			resultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"selection_id": id,
			"removed":      true,
		})
	}
}

func selectionMarkersHandler(res Results) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "selection_id")
		rows, err := res.SelectionMarkers(getRun(r).ID, id, modality(r), r.URL.Query().Get("effect"), parseLimit(r, 50))
		if err != nil {
			resultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"selection_id": id,
			"markers":      rows,
		})
	}
}

// plotHandler serves /plots/{embedding}, with or without a .png suffix.
func plotHandler(res Results) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		embedding := strings.TrimSuffix(chi.URLParam(r, "embedding"), ".png")
		q := r.URL.Query()
		if cm := q.Get("colormap"); cm != "" {
			if _, ok := colormap.Lookup(cm); !ok {
				http.Error(w, "unknown colormap: "+cm, http.StatusBadRequest)
				return
			}
		}

		img, err := res.Plot(getRun(r).ID, service.PlotRequest{
			Embedding: embedding,
			ColorBy:   q.Get("color_by"),
			Colormap:  q.Get("colormap"),
		})
		if err != nil {
			resultError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "private, max-age=60")
		w.Write(img)
	}
}
