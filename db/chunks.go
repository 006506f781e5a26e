package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lirevox.dev/common"
)

// ChunkStore persists job chunks and implements the per-chunk state
// machine. The claim operation is the concurrency-critical path: attempts
// increment and the processing transition happen in a single statement so
// two workers racing on the same delivery produce exactly one claim.
type ChunkStore struct {
	db *gorm.DB
}

// NewChunkStore creates a chunk store on the given database handle.
func NewChunkStore(gdb *gorm.DB) *ChunkStore {
	return &ChunkStore{db: gdb}
}

// CreateAll inserts all chunk rows for a job in one transaction. The commit
// is atomic across the whole split; a failure leaves no rows behind.
func (s *ChunkStore) CreateAll(chunks []JobChunk) error {
	if len(chunks) == 0 {
		return errors.New("no chunks to create")
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&chunks).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create chunks: %w", err)
	}
	return nil
}

// DeleteForJob removes all chunk rows of a job. Used to roll back a
// partially committed split.
func (s *ChunkStore) DeleteForJob(jobID uint) error {
	if err := s.db.Where("job_id = ?", jobID).Delete(&JobChunk{}).Error; err != nil {
		return fmt.Errorf("failed to delete chunks for job %d: %w", jobID, err)
	}
	return nil
}

// Get loads one chunk by its (job, ordinal) identity.
func (s *ChunkStore) Get(jobID uint, chunkID int) (*JobChunk, error) {
	var chunk JobChunk
	err := s.db.Where("job_id = ? AND chunk_id = ?", jobID, chunkID).First(&chunk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load chunk %d/%d: %w", jobID, chunkID, err)
	}
	return &chunk, nil
}

// ListForJob returns all chunks of a job ordered by ascending chunk_id,
// which is the deterministic merge order.
func (s *ChunkStore) ListForJob(jobID uint) ([]JobChunk, error) {
	var chunks []JobChunk
	err := s.db.Where("job_id = ?", jobID).Order("chunk_id ASC").Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for job %d: %w", jobID, err)
	}
	return chunks, nil
}

// Claim transitions a chunk to processing and increments attempts in one
// compare-and-set statement. Only pending and retry_scheduled chunks can be
// claimed. Returns the refreshed row, or claimed=false when another worker
// won the race or the chunk already reached a terminal state.
func (s *ChunkStore) Claim(jobID uint, chunkID int, taskID string) (*JobChunk, bool, error) {
	res := s.db.Model(&JobChunk{}).
		Where("job_id = ? AND chunk_id = ? AND status IN ?", jobID, chunkID,
			[]common.ChunkStatus{common.ChunkPending, common.ChunkRetryScheduled}).
		Updates(map[string]interface{}{
			"status":   common.ChunkProcessing,
			"attempts": gorm.Expr("attempts + 1"),
			"task_id":  taskID,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to claim chunk %d/%d: %w", jobID, chunkID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	chunk, err := s.Get(jobID, chunkID)
	if err != nil {
		return nil, false, err
	}
	return chunk, true, nil
}

// MarkSuccess stores the result and transitions processing -> success.
// Success is terminal; repeated calls are no-ops.
func (s *ChunkStore) MarkSuccess(jobID uint, chunkID int, resultJSON string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Model(&JobChunk{}).
		Where("job_id = ? AND chunk_id = ? AND status = ?", jobID, chunkID, common.ChunkProcessing).
		Updates(map[string]interface{}{
			"status":          common.ChunkSuccess,
			"result_json":     resultJSON,
			"processed_at":    now,
			"last_error":      nil,
			"last_error_code": "",
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark chunk %d/%d success: %w", jobID, chunkID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records a failure with its classification code.
func (s *ChunkStore) MarkFailed(jobID uint, chunkID int, code, message string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Model(&JobChunk{}).
		Where("job_id = ? AND chunk_id = ? AND status IN ?", jobID, chunkID,
			[]common.ChunkStatus{common.ChunkProcessing, common.ChunkRetryScheduled, common.ChunkPending}).
		Updates(map[string]interface{}{
			"status":          common.ChunkFailed,
			"last_error":      message,
			"last_error_code": code,
			"processed_at":    now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark chunk %d/%d failed: %w", jobID, chunkID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkRetryScheduled transitions a processing chunk back to retry_scheduled
// after a transient failure. The attempts guard in the statement enforces
// the invariant that retry_scheduled implies attempts < max_retries.
func (s *ChunkStore) MarkRetryScheduled(jobID uint, chunkID int, code, message string) (bool, error) {
	res := s.db.Model(&JobChunk{}).
		Where("job_id = ? AND chunk_id = ? AND status = ? AND attempts < max_retries",
			jobID, chunkID, common.ChunkProcessing).
		Updates(map[string]interface{}{
			"status":          common.ChunkRetryScheduled,
			"last_error":      message,
			"last_error_code": code,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to schedule retry for chunk %d/%d: %w", jobID, chunkID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ScheduleForRound moves a failed-but-retryable chunk to retry_scheduled
// for an orchestrated retry round. When force is set, attempts are reset to
// zero first so the chunk regains its full budget.
func (s *ChunkStore) ScheduleForRound(jobID uint, chunkID int, force bool) (bool, error) {
	updates := map[string]interface{}{
		"status": common.ChunkRetryScheduled,
	}
	if force {
		updates["attempts"] = 0
	}
	query := s.db.Model(&JobChunk{}).
		Where("job_id = ? AND chunk_id = ? AND status IN ?", jobID, chunkID,
			[]common.ChunkStatus{common.ChunkFailed, common.ChunkRetryScheduled})
	if !force {
		query = query.Where("attempts < max_retries")
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to schedule chunk %d/%d for round: %w", jobID, chunkID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimNextDispatch stamps the lowest undispatched pending chunk of a job
// with a task id and returns it. The stamp is a compare-and-set on the
// empty task_id, so concurrent arrivals each pull a distinct chunk.
// Returns ok=false when every chunk of the job is already dispatched.
func (s *ChunkStore) ClaimNextDispatch(jobID uint, taskID string) (*JobChunk, bool, error) {
	res := s.db.Model(&JobChunk{}).
		Where("job_id = ? AND status = ? AND task_id = ''", jobID, common.ChunkPending).
		Where("chunk_id = (SELECT MIN(chunk_id) FROM job_chunks WHERE job_id = ? AND status = ? AND task_id = '')",
			jobID, common.ChunkPending).
		Update("task_id", taskID)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to claim next dispatch for job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	var chunk JobChunk
	err := s.db.Where("job_id = ? AND task_id = ?", jobID, taskID).First(&chunk).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to load dispatched chunk for job %d: %w", jobID, err)
	}
	return &chunk, true, nil
}

// StatusCounts returns the number of chunks per status for a job.
func (s *ChunkStore) StatusCounts(jobID uint) (map[common.ChunkStatus]int, error) {
	type row struct {
		Status common.ChunkStatus
		N      int
	}
	var rows []row
	err := s.db.Model(&JobChunk{}).
		Select("status, COUNT(*) AS n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks for job %d: %w", jobID, err)
	}
	counts := make(map[common.ChunkStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// StuckProcessing returns chunks that have been in processing state longer
// than the threshold. The watchdog fails them with a TIMEOUT code so the
// barrier can release after a hard worker death.
func (s *ChunkStore) StuckProcessing(threshold time.Duration) ([]JobChunk, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var chunks []JobChunk
	err := s.db.Where("status = ? AND updated_at < ?", common.ChunkProcessing, cutoff).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck chunks: %w", err)
	}
	return chunks, nil
}
