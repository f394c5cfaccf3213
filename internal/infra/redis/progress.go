package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scantrail/api/pkg/domain/shared"
)

// BatchProgress is the externally visible state of one ingestion batch.
// Consumers poll it while the worker chews through a multi-file upload.
type BatchProgress struct {
	BatchID    shared.ID `json:"batch_id"`
	AccountID  shared.ID `json:"account_id"`
	State      string    `json:"state"`
	FilesTotal int       `json:"files_total"`
	FilesDone  int       `json:"files_done"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProgressStore keeps batch ingestion progress in Redis. Progress is
// best-effort observability; store failures never fail the batch.
type ProgressStore struct {
	client *Client
	ttl    time.Duration
}

// NewProgressStore creates a progress store with the given entry TTL.
func NewProgressStore(client *Client, ttl time.Duration) *ProgressStore {
	return &ProgressStore{client: client, ttl: ttl}
}

func progressKey(batchID shared.ID) string {
	return fmt.Sprintf("ingest:progress:%s", batchID.String())
}

// Save writes the current progress for a batch.
func (s *ProgressStore) Save(ctx context.Context, p BatchProgress) error {
	p.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return s.client.Set(ctx, progressKey(p.BatchID), string(data), s.ttl)
}

// Get retrieves the progress for a batch. Returns ErrKeyNotFound when the
// batch is unknown or its entry expired.
func (s *ProgressStore) Get(ctx context.Context, batchID shared.ID) (BatchProgress, error) {
	val, err := s.client.Get(ctx, progressKey(batchID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return BatchProgress{}, ErrKeyNotFound
		}
		return BatchProgress{}, err
	}

	var p BatchProgress
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return BatchProgress{}, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return p, nil
}

// Delete removes the progress entry for a batch.
func (s *ProgressStore) Delete(ctx context.Context, batchID shared.ID) error {
	return s.client.Del(ctx, progressKey(batchID))
}
