package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lirevox.dev/common"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("record not found")

// JobStore persists jobs and implements their state machine. Status
// transitions use compare-and-set updates so racing workers cannot move a
// job backwards or commit a terminal state twice.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a job store on the given database handle.
func NewJobStore(gdb *gorm.DB) *JobStore {
	return &JobStore{db: gdb}
}

// Create inserts a new pending job.
func (s *JobStore) Create(job *Job) error {
	if job.Status == "" {
		job.Status = common.JobPending
	}
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(id uint) (*Job, error) {
	var job Job
	if err := s.db.First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return &job, nil
}

// GetForUser loads a job only when it belongs to the given user.
func (s *JobStore) GetForUser(id, userID uint) (*Job, error) {
	var job Job
	err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return &job, nil
}

// MarkProcessing transitions pending -> processing exactly once and stamps
// started_at. Returns false when the job was not in pending state.
func (s *JobStore) MarkProcessing(id uint, step string, progress int) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Model(&Job{}).
		Where("id = ? AND status = ?", id, common.JobPending).
		Updates(map[string]interface{}{
			"status":           common.JobProcessing,
			"current_step":     step,
			"progress_percent": progress,
			"started_at":       now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark job %d processing: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetPlan records the chunk count computed by the planner.
func (s *JobStore) SetPlan(id uint, totalChunks int) error {
	res := s.db.Model(&Job{}).Where("id = ?", id).Update("total_chunks", totalChunks)
	if res.Error != nil {
		return fmt.Errorf("failed to set plan for job %d: %w", id, res.Error)
	}
	return nil
}

// UpdateSettings replaces the job's processing settings blob. Only allowed
// while the job is still pending; once dispatched the settings are fixed.
func (s *JobStore) UpdateSettings(id uint, settingsJSON string) (bool, error) {
	res := s.db.Model(&Job{}).
		Where("id = ? AND status = ?", id, common.JobPending).
		Update("settings_json", settingsJSON)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update settings for job %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetDocument attaches the uploaded document to a job that is still
// pending. Exactly one of the inline blob and the storage URL is set.
func (s *JobStore) SetDocument(id uint, documentB64, documentURL string) (bool, error) {
	res := s.db.Model(&Job{}).
		Where("id = ? AND status = ?", id, common.JobPending).
		Updates(map[string]interface{}{
			"document_b64": documentB64,
			"document_url": documentURL,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to set document for job %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClearDocument drops the stored document once the split has produced
// the chunk rows.
func (s *JobStore) ClearDocument(id uint) error {
	res := s.db.Model(&Job{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"document_b64": "",
			"document_url": "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to clear document for job %d: %w", id, res.Error)
	}
	return nil
}

// UpdateProgress advances progress monotonically. Updates with a percent
// below the stored value are dropped; racing writers therefore cannot make
// the bar move backwards.
func (s *JobStore) UpdateProgress(id uint, percent int, step string) error {
	if percent > 100 {
		percent = 100
	}
	res := s.db.Model(&Job{}).
		Where("id = ? AND progress_percent <= ?", id, percent).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"current_step":     step,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update progress for job %d: %w", id, res.Error)
	}
	return nil
}

// ResetProgress sets progress unconditionally. Used only at retry-round
// start, where a visible dip is intended.
func (s *JobStore) ResetProgress(id uint, percent int, step string) error {
	res := s.db.Model(&Job{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress_percent": percent,
			"current_step":     step,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reset progress for job %d: %w", id, res.Error)
	}
	return nil
}

// NoteChunkSuccess atomically increments processed_chunks and recomputes
// the chunk-phase progress (15%..75% of the bar).
func (s *JobStore) NoteChunkSuccess(id uint) (*Job, error) {
	res := s.db.Model(&Job{}).Where("id = ?", id).
		Update("processed_chunks", gorm.Expr("processed_chunks + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("failed to count chunk for job %d: %w", id, res.Error)
	}

	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if job.TotalChunks == nil || *job.TotalChunks == 0 {
		return job, nil
	}

	total := *job.TotalChunks
	percent := 15 + job.ProcessedChunks*60/total
	step := fmt.Sprintf("Processing chunks (%d/%d)", job.ProcessedChunks, total)
	if err := s.UpdateProgress(id, percent, step); err != nil {
		return nil, err
	}
	job.ProgressPercent = percent
	job.CurrentStep = step
	return job, nil
}

// RequestCancel flags the job for cooperative cancellation. Terminal jobs
// are left untouched; the bool reports whether the flag was newly set.
func (s *JobStore) RequestCancel(id uint) (bool, error) {
	now := time.Now().UTC()
	res := s.db.Model(&Job{}).
		Where("id = ? AND status IN ? AND is_cancelled = ?",
			id, []common.JobStatus{common.JobPending, common.JobProcessing}, false).
		Updates(map[string]interface{}{
			"is_cancelled":        true,
			"cancel_requested_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to request cancel for job %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// IncrementRetryRound bumps the orchestrated retry-round counter.
func (s *JobStore) IncrementRetryRound(id uint) error {
	res := s.db.Model(&Job{}).Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to increment retry round for job %d: %w", id, res.Error)
	}
	return nil
}

// ArmBarrier loads the completion barrier with the size of a dispatched
// group. Every terminal chunk of that round must call BarrierArrive.
func (s *JobStore) ArmBarrier(id uint, size, round int) error {
	res := s.db.Model(&Job{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"barrier_pending": size,
			"barrier_round":   round,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to arm barrier for job %d: %w", id, res.Error)
	}
	return nil
}

// BarrierArrive decrements the barrier counter for the given round and
// reports whether the caller was the last arrival. The decrement-and-read
// is a single statement so exactly one caller observes zero.
func (s *JobStore) BarrierArrive(id uint, round int) (bool, error) {
	var remaining []int
	err := s.db.Raw(
		`UPDATE jobs SET barrier_pending = barrier_pending - 1
		 WHERE id = ? AND barrier_round = ? AND barrier_pending > 0
		 RETURNING barrier_pending`, id, round).Scan(&remaining).Error
	if err != nil {
		return false, fmt.Errorf("failed to decrement barrier for job %d: %w", id, err)
	}
	if len(remaining) == 0 {
		// Stale round or already-released barrier; not the last arrival.
		return false, nil
	}
	return remaining[0] == 0, nil
}

// CompleteTerminal commits a terminal status exactly once. The CAS on
// non-terminal status makes finalize idempotent on re-entry: a second call
// affects zero rows and reports committed=false.
func (s *JobStore) CompleteTerminal(id uint, status common.JobStatus, errorMessage *string,
	actualTokens, actualCredits *int, historyID *uint) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
		"completed_at":  now,
	}
	if status == common.JobCompleted || status == common.JobFailed {
		updates["progress_percent"] = 100
		updates["current_step"] = "Done"
		updates["actual_tokens"] = actualTokens
		updates["actual_credits"] = actualCredits
	}
	if status == common.JobCancelled {
		updates["cancelled_at"] = now
		updates["current_step"] = "Cancelled"
	}
	if historyID != nil {
		updates["history_id"] = historyID
	}
	res := s.db.Model(&Job{}).
		Where("id = ? AND status IN ?", id,
			[]common.JobStatus{common.JobPending, common.JobProcessing}).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete job %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Delete removes a job and, through the FK constraint, its chunks.
func (s *JobStore) Delete(id uint) error {
	if err := s.db.Delete(&Job{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}
