package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/monitoring"
	"github.com/StoneLin0708/language-model-playground/core/spec"
	"github.com/StoneLin0708/language-model-playground/storage"

	"github.com/gorilla/mux"
)

// DashboardHandler serves experiment state read straight from the data directory
type DashboardHandler struct {
	dataPath string
	store    *storage.CheckpointStore
	exporter *monitoring.MetricsExporter
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(dataPath string, store *storage.CheckpointStore, exporter *monitoring.MetricsExporter) *DashboardHandler {
	return &DashboardHandler{
		dataPath: dataPath,
		store:    store,
		exporter: exporter,
	}
}

// GetCheckpoints handles GET /v1/experiments/{name}/checkpoints
func (h *DashboardHandler) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	name, ok := experimentName(w, r)
	if !ok {
		return
	}
	dir := filepath.Join(h.dataPath, name)

	response := map[string]interface{}{"experiment": name}
	for _, kind := range models.ArtifactKinds {
		entries, err := storage.ListEntries(dir, kind)
		if err != nil {
			http.Error(w, "Failed to list checkpoints: "+err.Error(), http.StatusInternalServerError)
			return
		}
		items := make([]map[string]interface{}, 0, len(entries))
		for _, e := range entries {
			items = append(items, map[string]interface{}{
				"step":     e.Step,
				"filename": e.Filename,
			})
		}
		response[string(kind)] = items
	}

	step, found, err := h.store.LatestValidStep(dir)
	var inconsistent *storage.InconsistencyError
	if errors.As(err, &inconsistent) {
		response["error"] = inconsistent.Error()
		response["latest_model_step"] = inconsistent.ModelStep
		response["latest_optimizer_step"] = inconsistent.OptimizerStep
		writeJSON(w, http.StatusConflict, response)
		return
	}
	if err != nil {
		http.Error(w, "Failed to resolve latest checkpoint: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if found {
		response["latest_valid_step"] = step
	} else {
		response["latest_valid_step"] = nil
	}
	writeJSON(w, http.StatusOK, response)
}

// GetProgression handles GET /v1/experiments/{name}/progression
func (h *DashboardHandler) GetProgression(w http.ResponseWriter, r *http.Request) {
	name, ok := experimentName(w, r)
	if !ok {
		return
	}

	progression, err := monitoring.ReadProgressionFile(monitoring.ProgressionFilePath(h.dataPath, name))
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "No progression recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read progression: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, progression)
}

// GetMetrics handles GET /metrics in Prometheus text format
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.exporter.GetPrometheusMetrics()
	if err != nil {
		http.Error(w, "Failed to export metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(metrics))
}

// experimentName rejects names that would escape the data directory
func experimentName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["name"]
	if spec.ValidateExperimentName(name) != nil {
		http.Error(w, "Invalid experiment name", http.StatusBadRequest)
		return "", false
	}
	return name, true
}
