package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/repository"

	"github.com/gorilla/mux"
)

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	runRepo      *repository.RunRepository
	eventRepo    *repository.EventRepository
	artifactRepo *repository.ArtifactRepository
	metricRepo   *repository.MetricRepository
}

// NewRunHandler creates a new run handler
func NewRunHandler(
	runRepo *repository.RunRepository,
	eventRepo *repository.EventRepository,
	artifactRepo *repository.ArtifactRepository,
	metricRepo *repository.MetricRepository,
) *RunHandler {
	return &RunHandler{
		runRepo:      runRepo,
		eventRepo:    eventRepo,
		artifactRepo: artifactRepo,
		metricRepo:   metricRepo,
	}
}

// GetRun handles GET /v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	run, err := h.runRepo.GetRun(runID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	latest, err := h.metricRepo.LatestScalars(runID)
	if err != nil {
		http.Error(w, "Failed to load metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	metrics := make(map[string]float64, len(latest))
	for _, p := range latest {
		metrics[p.Tag+"_"+p.Series] = p.Value
	}

	response := runSummary(run)
	response["resume_step"] = run.ResumeStep
	response["spec_yaml"] = run.SpecYAML
	response["metrics"] = metrics
	response["timestamps"] = map[string]interface{}{
		"created_at":  run.CreatedAt,
		"started_at":  run.StartedAt,
		"finished_at": run.FinishedAt,
	}

	writeJSON(w, http.StatusOK, response)
}

// ListRuns handles GET /v1/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	experiment := r.URL.Query().Get("experiment")
	limit := 50 // Default limit
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if _, err := fmt.Sscanf(limitParam, "%d", &limit); err != nil || limit < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	var status *models.RunStatus
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s := models.RunStatus(statusParam)
		status = &s
	}

	runs, err := h.runRepo.ListRuns(experiment, status, limit)
	if err != nil {
		http.Error(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		response = append(response, runSummary(run))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  response,
		"count": len(response),
	})
}

// GetRunEvents handles GET /v1/runs/{id}/events
func (h *RunHandler) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	events, err := h.eventRepo.GetRunEvents(runID, 100)
	if err != nil {
		http.Error(w, "Failed to get events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := make([]map[string]interface{}, 0, len(events))
	for _, event := range events {
		response = append(response, map[string]interface{}{
			"at":          event.At,
			"from_status": event.FromStatus,
			"to_status":   event.ToStatus,
			"reason":      event.Reason,
			"meta":        event.MetaJSON,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": response})
}

// GetRunArtifacts handles GET /v1/runs/{id}/artifacts
func (h *RunHandler) GetRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	var artifactType *models.ArtifactType
	if typeParam := r.URL.Query().Get("type"); typeParam != "" {
		t := models.ArtifactType(typeParam)
		artifactType = &t
	}

	artifacts, err := h.artifactRepo.GetRunArtifacts(runID, artifactType)
	if err != nil {
		http.Error(w, "Failed to get artifacts: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := make([]map[string]interface{}, 0, len(artifacts))
	for _, artifact := range artifacts {
		response = append(response, map[string]interface{}{
			"type":       artifact.Type,
			"kind":       artifact.Kind,
			"uri":        artifact.URI,
			"step":       artifact.Step,
			"pruned":     artifact.Pruned,
			"created_at": artifact.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": response})
}

// GetRunScalars handles GET /v1/runs/{id}/scalars?tag=&series=
func (h *RunHandler) GetRunScalars(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	tag := r.URL.Query().Get("tag")
	series := r.URL.Query().Get("series")
	if tag == "" || series == "" {
		http.Error(w, "tag and series are required", http.StatusBadRequest)
		return
	}

	points, err := h.metricRepo.GetScalars(runID, tag, series)
	if err != nil {
		http.Error(w, "Failed to get scalars: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := make([]map[string]interface{}, 0, len(points))
	for _, p := range points {
		response = append(response, map[string]interface{}{
			"step":  p.Step,
			"value": p.Value,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tag":    tag,
		"series": series,
		"points": response,
	})
}

func runSummary(run *models.Run) map[string]interface{} {
	return map[string]interface{}{
		"id":         run.ID,
		"experiment": run.Experiment,
		"status":     run.Status,
		"final_step": run.FinalStep,
		"created_at": run.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
