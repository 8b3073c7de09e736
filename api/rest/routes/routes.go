package routes

import (
	"net/http"

	"github.com/StoneLin0708/language-model-playground/api/rest/handlers"
	"github.com/StoneLin0708/language-model-playground/core/monitoring"
	"github.com/StoneLin0708/language-model-playground/core/repository"
	"github.com/StoneLin0708/language-model-playground/storage"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, db *repository.DB, dataPath string) {
	runRepo := repository.NewRunRepository(db)
	eventRepo := repository.NewEventRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	metricRepo := repository.NewMetricRepository(db)

	runHandler := handlers.NewRunHandler(runRepo, eventRepo, artifactRepo, metricRepo)
	dashboardHandler := handlers.NewDashboardHandler(
		dataPath,
		storage.NewCheckpointStore(),
		monitoring.NewMetricsExporter(runRepo, metricRepo),
	)

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.HandleFunc("/metrics", dashboardHandler.GetMetrics).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Run endpoints
	api.HandleFunc("/runs", runHandler.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", runHandler.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/events", runHandler.GetRunEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts", runHandler.GetRunArtifacts).Methods("GET")
	api.HandleFunc("/runs/{id}/scalars", runHandler.GetRunScalars).Methods("GET")

	// Experiment endpoints
	api.HandleFunc("/experiments/{name}/checkpoints", dashboardHandler.GetCheckpoints).Methods("GET")
	api.HandleFunc("/experiments/{name}/progression", dashboardHandler.GetProgression).Methods("GET")
}
