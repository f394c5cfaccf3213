// Package jobs provides background job definitions and handlers using Asynq.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/scantrail/api/internal/app/ingest"
	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/fetchers"
	"github.com/scantrail/api/internal/metrics"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
)

// Task types for ingestion jobs
const (
	TypeIngestBatch = "ingest:batch"
)

// exportExtensions are the file extensions accepted when fetching a batch
// location.
var exportExtensions = []string{".json", ".csv", ".json.gz", ".csv.gz"}

// IngestBatchPayload contains data for ingesting a batch of scan exports.
// Location is a local path or an s3:// URL; the worker fetches the files
// itself rather than carrying file bytes through the queue.
type IngestBatchPayload struct {
	AccountID string `json:"account_id"`
	BatchID   string `json:"batch_id"`
	Location  string `json:"location"`
}

// NewIngestBatchTask creates a new batch ingestion task.
func NewIngestBatchTask(payload IngestBatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingest batch payload: %w", err)
	}
	return asynq.NewTask(
		TypeIngestBatch,
		data,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Queue("critical"),
	), nil
}

// IngestTaskHandler handles batch ingestion tasks.
type IngestTaskHandler struct {
	service *ingest.Service
	local   fetchers.Fetcher
	s3      fetchers.Fetcher
	cfg     config.IngestConfig
	logger  *logger.Logger
}

// NewIngestTaskHandler creates a new ingest task handler. The S3 fetcher may
// be nil when object storage is not configured; s3:// locations are then
// rejected.
func NewIngestTaskHandler(service *ingest.Service, local, s3 fetchers.Fetcher, cfg config.IngestConfig, log *logger.Logger) *IngestTaskHandler {
	return &IngestTaskHandler{
		service: service,
		local:   local,
		s3:      s3,
		cfg:     cfg,
		logger:  log.With("component", "ingest_handler"),
	}
}

// RegisterHandlers registers the ingest handlers on the mux.
func (h *IngestTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeIngestBatch, h.HandleIngestBatch)
}

// HandleIngestBatch fetches the batch files and runs them through the
// ingestion service.
func (h *IngestTaskHandler) HandleIngestBatch(ctx context.Context, t *asynq.Task) error {
	start := time.Now()

	var payload IngestBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal ingest batch payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.logger.With("batch_id", payload.BatchID, "location", payload.Location)

	files, err := h.fetch(ctx, payload.Location)
	if err != nil {
		log.Error("fetching batch files failed", "error", err)
		observeJob(TypeIngestBatch, start, err)
		return fmt.Errorf("fetching %s: %w", payload.Location, err)
	}

	cmd := ingest.UploadCommand{
		AccountID: payload.AccountID,
		BatchID:   payload.BatchID,
		Files:     make([]ingest.FileInput, 0, len(files)),
	}
	for _, f := range files {
		cmd.Files = append(cmd.Files, ingest.FileInput{Filename: f.Name, Data: f.Data})
	}

	out, err := h.service.Upload(ctx, cmd)
	observeJob(TypeIngestBatch, start, err)
	if err != nil {
		// Rejections of the input will fail again on retry; only transient
		// system failures are worth retrying.
		if !shared.IsRetryable(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	log.Info("batch ingested", "files", len(out.Files), "state", string(out.State))
	return nil
}

func (h *IngestTaskHandler) fetch(ctx context.Context, location string) ([]fetchers.File, error) {
	opts := fetchers.FetchOptions{
		Extensions:  exportExtensions,
		MaxFileSize: h.cfg.MaxFileSize,
		MaxFiles:    h.cfg.MaxFilesPerBatch,
	}

	if fetchers.IsS3Location(location) {
		if h.s3 == nil {
			return nil, fmt.Errorf("s3 location %q but object storage is not configured", location)
		}
		return h.s3.Fetch(ctx, location, opts)
	}
	return h.local.Fetch(ctx, location, opts)
}

func observeJob(taskType string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.JobsProcessedTotal.WithLabelValues(taskType, status).Inc()
	metrics.JobDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
}
