package monitoring

import (
	"fmt"
	"sort"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/repository"
)

// MetricsExporter exports run state and the latest training scalars for Prometheus
type MetricsExporter struct {
	runRepo    *repository.RunRepository
	metricRepo *repository.MetricRepository
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(runRepo *repository.RunRepository, metricRepo *repository.MetricRepository) *MetricsExporter {
	return &MetricsExporter{
		runRepo:    runRepo,
		metricRepo: metricRepo,
	}
}

var exportedStatuses = []models.RunStatus{
	models.RunStatusPending,
	models.RunStatusRunning,
	models.RunStatusCompleted,
	models.RunStatusFailed,
	models.RunStatusInterrupted,
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func (me *MetricsExporter) GetPrometheusMetrics() (string, error) {
	runs, err := me.runRepo.ListRuns("", nil, 1000)
	if err != nil {
		return "", fmt.Errorf("failed to list runs: %w", err)
	}

	var metrics string

	// Run count per status
	counts := make(map[models.RunStatus]int)
	for _, run := range runs {
		counts[run.Status]++
	}
	metrics += "# HELP lmp_runs Number of training runs by status\n"
	metrics += "# TYPE lmp_runs gauge\n"
	for _, status := range exportedStatuses {
		metrics += fmt.Sprintf("lmp_runs{status=\"%s\"} %d\n", status, counts[status])
	}

	// Last step reached by finished runs
	metrics += "# HELP lmp_run_final_step Last step reached by a run\n"
	metrics += "# TYPE lmp_run_final_step gauge\n"
	for _, run := range runs {
		if run.FinalStep == nil {
			continue
		}
		metrics += fmt.Sprintf("lmp_run_final_step{run_id=\"%s\",experiment=\"%s\"} %d\n",
			run.ID, run.Experiment, *run.FinalStep)
	}

	// Latest scalar per tag and series
	metrics += "# HELP lmp_run_scalar Latest recorded value of a run metric\n"
	metrics += "# TYPE lmp_run_scalar gauge\n"
	for _, run := range runs {
		points, err := me.metricRepo.LatestScalars(run.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load scalars for run %s: %w", run.ID, err)
		}
		sort.Slice(points, func(i, j int) bool {
			if points[i].Tag != points[j].Tag {
				return points[i].Tag < points[j].Tag
			}
			return points[i].Series < points[j].Series
		})
		for _, p := range points {
			metrics += fmt.Sprintf("lmp_run_scalar{run_id=\"%s\",experiment=\"%s\",tag=\"%s\",series=\"%s\"} %g\n",
				run.ID, run.Experiment, p.Tag, p.Series, p.Value)
		}
	}

	return metrics, nil
}
