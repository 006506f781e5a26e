package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// HistoryStore persists the user-visible snapshots of terminal jobs.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore creates a history store on the given database handle.
func NewHistoryStore(gdb *gorm.DB) *HistoryStore {
	return &HistoryStore{db: gdb}
}

// Create inserts a history snapshot.
func (s *HistoryStore) Create(h *History) error {
	if err := s.db.Create(h).Error; err != nil {
		return fmt.Errorf("failed to create history: %w", err)
	}
	return nil
}

// GetForUser loads one history record scoped to its owner.
func (s *HistoryStore) GetForUser(id, userID uint) (*History, error) {
	var h History
	err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load history %d: %w", id, err)
	}
	return &h, nil
}

// FindByJob returns the snapshot created for a job, if any. Finalize
// retries use it to avoid writing a second snapshot.
func (s *HistoryStore) FindByJob(jobID uint) (*History, error) {
	var h History
	err := s.db.Where("job_id = ?", jobID).First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load history for job %d: %w", jobID, err)
	}
	return &h, nil
}

// ListForUser returns a user's history, newest first.
func (s *HistoryStore) ListForUser(userID uint, limit int) ([]History, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var items []History
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history for user %d: %w", userID, err)
	}
	return items, nil
}
