package db

import (
	"encoding/json"
	"time"

	"lirevox.dev/common"
)

// Job is one user-initiated processing request. All timestamps are UTC.
type Job struct {
	ID     uint `gorm:"primarykey"`
	UserID uint `gorm:"not null;index:idx_jobs_user_created,priority:1"`

	Filename string           `gorm:"not null"`
	Model    common.ModelTier `gorm:"not null;default:balanced"`

	// SettingsJSON is the serialized common.ProcessingSettings for the job.
	SettingsJSON string `gorm:"type:text"`

	// Exactly one of DocumentB64 and DocumentURL is set between dispatch
	// and split; the primary pass reads the uploaded PDF from here so it
	// can run as an ordinary broker task. Cleared once the chunk rows
	// exist.
	DocumentB64 string `gorm:"type:text"`
	DocumentURL string

	PricingVersion string  `gorm:"not null"`
	PricingRate    float64 `gorm:"not null"`

	Status          common.JobStatus `gorm:"not null;default:pending;index"`
	ProgressPercent int              `gorm:"not null;default:0"`
	CurrentStep     string

	EstimatedTokens  int
	ActualTokens     *int
	EstimatedCredits int
	ActualCredits    *int

	TotalChunks     *int
	ProcessedChunks int `gorm:"not null;default:0"`
	RetryCount      int `gorm:"not null;default:0"`

	// BarrierPending and BarrierRound implement the completion barrier as a
	// decrement counter in storage: the dispatch arms the counter with the
	// group size and every chunk reaching a terminal state decrements it.
	// The worker observing zero schedules the finalize callback.
	BarrierPending int `gorm:"not null;default:0"`
	BarrierRound   int `gorm:"not null;default:0"`

	IsCancelled       bool `gorm:"not null;default:false"`
	CancelRequestedAt *time.Time
	CancelledAt       *time.Time

	ErrorMessage *string

	HistoryID *uint

	Chunks []JobChunk `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt   time.Time `gorm:"index:idx_jobs_user_created,priority:2"`
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Settings deserializes the job's processing settings, falling back to
// defaults when the blob is absent or unreadable.
func (j *Job) Settings() common.ProcessingSettings {
	if j.SettingsJSON == "" {
		return common.DefaultProcessingSettings()
	}
	var s common.ProcessingSettings
	if err := json.Unmarshal([]byte(j.SettingsJSON), &s); err != nil {
		return common.DefaultProcessingSettings()
	}
	return s.Normalize()
}

// Event builds the wire-contract progress payload from the current row.
func (j *Job) Event() common.ProgressEvent {
	return common.ProgressEvent{
		ID:               j.ID,
		UserID:           j.UserID,
		Status:           j.Status,
		ProgressPercent:  j.ProgressPercent,
		CurrentStep:      j.CurrentStep,
		ErrorMessage:     j.ErrorMessage,
		TotalChunks:      j.TotalChunks,
		ProcessedChunks:  j.ProcessedChunks,
		EstimatedCredits: j.EstimatedCredits,
		ActualCredits:    j.ActualCredits,
		Model:            j.Model,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}

// JobChunk is one slice of a PDF being processed. (job_id, chunk_id) is
// unique; chunk_id is the 0-based ordinal used for deterministic merge.
type JobChunk struct {
	ID      uint `gorm:"primarykey"`
	JobID   uint `gorm:"not null;uniqueIndex:idx_chunks_job_chunk,priority:1;index:idx_chunks_job_status,priority:1"`
	ChunkID int  `gorm:"not null;uniqueIndex:idx_chunks_job_chunk,priority:2"`

	StartPage  int  `gorm:"not null"`
	EndPage    int  `gorm:"not null"`
	PageCount  int  `gorm:"not null"`
	HasOverlap bool `gorm:"not null;default:false"`

	// Exactly one of PayloadB64 and PayloadURL is set. Payloads above the
	// inline limit live in object storage and are addressed by URL.
	PayloadB64 string `gorm:"type:text"`
	PayloadURL string

	Status common.ChunkStatus `gorm:"not null;default:pending;index;index:idx_chunks_job_status,priority:2"`

	TaskID     string
	Attempts   int `gorm:"not null;default:0"`
	MaxRetries int `gorm:"not null;default:3"`

	LastError     *string
	LastErrorCode string

	ResultJSON  *string `gorm:"type:text"`
	ProcessedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result deserializes the stored chunk result. Returns false when the chunk
// has no result yet.
func (c *JobChunk) Result() (common.ChunkResult, bool) {
	if c.ResultJSON == nil {
		return common.ChunkResult{}, false
	}
	var r common.ChunkResult
	if err := json.Unmarshal([]byte(*c.ResultJSON), &r); err != nil {
		return common.ChunkResult{}, false
	}
	return r, true
}

// CanRetry reports whether the chunk is still inside its attempt budget.
func (c *JobChunk) CanRetry() bool {
	return c.Attempts < c.MaxRetries
}

// TerminalFailure reports whether the chunk failed with no retries left.
func (c *JobChunk) TerminalFailure() bool {
	return c.Status == common.ChunkFailed && !c.CanRetry()
}

// CreditLedgerEntry is an append-only accounting record. Rows are never
// updated or deleted.
type CreditLedgerEntry struct {
	ID     uint   `gorm:"primarykey"`
	UserID uint   `gorm:"not null;index:idx_ledger_user_month,priority:1"`
	Month  string `gorm:"not null;index:idx_ledger_user_month,priority:2"` // YYYY-MM

	// Delta is the signed credit amount; grants are positive, reserves
	// negative.
	Delta  int    `gorm:"not null"`
	Reason string `gorm:"not null;index"`

	JobID          *uint `gorm:"index"`
	PricingVersion string
	Description    string

	CreatedAt time.Time
}

// History is the user-visible record of a completed or failed job. The
// canonical read direction is History -> Job.
type History struct {
	ID     uint `gorm:"primarykey"`
	UserID uint `gorm:"not null;index"`

	Filename string `gorm:"not null"`

	// SentencesJSON is the merged, deduplicated sentence snapshot.
	SentencesJSON string `gorm:"type:text"`
	SentenceCount int    `gorm:"not null;default:0"`
	TokenCount    int    `gorm:"not null;default:0"`

	SheetURL     *string
	SettingsJSON string `gorm:"type:text"`

	JobID *uint `gorm:"index"`

	CreatedAt time.Time
}

// Sentences deserializes the sentence snapshot.
func (h *History) Sentences() []string {
	if h.SentencesJSON == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(h.SentencesJSON), &out); err != nil {
		return nil
	}
	return out
}
