// This file holds the shared domain types exchanged between the API, the
// orchestrator, the chunk workers, and the progress publisher.
package common

import (
	"time"
)

// JobStatus is the lifecycle state of a processing job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further automatic transitions occur.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ChunkStatus is the lifecycle state of a single PDF chunk.
type ChunkStatus string

const (
	ChunkPending        ChunkStatus = "pending"
	ChunkProcessing     ChunkStatus = "processing"
	ChunkSuccess        ChunkStatus = "success"
	ChunkFailed         ChunkStatus = "failed"
	ChunkRetryScheduled ChunkStatus = "retry_scheduled"
)

// ModelTier selects the LLM quality/speed trade-off for a job.
type ModelTier string

const (
	ModelBalanced ModelTier = "balanced"
	ModelQuality  ModelTier = "quality"
	ModelSpeed    ModelTier = "speed"
)

// ValidModelTier reports whether the tier is one of the supported values.
func ValidModelTier(t ModelTier) bool {
	switch t {
	case ModelBalanced, ModelQuality, ModelSpeed:
		return true
	}
	return false
}

// Chunk error codes persisted on job_chunks.last_error_code. These are
// internal classifications; the public API maps them to plain-language
// messages before anything reaches an end user.
const (
	ErrCodeNoText       = "NO_TEXT"
	ErrCodeTransient    = "TRANSIENT_ERROR"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeProcessing   = "PROCESSING_ERROR"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeInsufficient = "INSUFFICIENT_CREDITS"
	ErrCodeFinalization = "FINALIZATION_ERROR"
)

// Ledger entry reasons. The ledger is append-only; every reason carries a
// signed delta against the user's monthly balance.
const (
	LedgerMonthlyGrant    = "monthly_grant"
	LedgerJobReserve      = "job_reserve"
	LedgerJobFinal        = "job_final"
	LedgerJobRefund       = "job_refund"
	LedgerAdminAdjustment = "admin_adjustment"
)

// PricingVersion identifies the rate table used when a job was confirmed.
const PricingVersion = "2026-01"

// DefaultPricingRate is the credits-per-token rate applied to all tiers
// until per-tier pricing ships.
const DefaultPricingRate = 0.001

// ProcessingSettings is the fixed per-job settings value carried from the
// API through the chunk workers to the LLM capability. Defaults are the
// documented constants below, not scattered keyword arguments.
type ProcessingSettings struct {
	SentenceLengthLimit int    `json:"sentence_length_limit"` // max words per sentence, 4..20
	MinSentenceLength   int    `json:"min_sentence_length"`   // min words per sentence
	GeminiModel         string `json:"gemini_model"`          // provider model override, opaque to the core
	IgnoreDialogue      bool   `json:"ignore_dialogue"`
	PreserveFormatting  bool   `json:"preserve_formatting"`
	FixHyphenation      bool   `json:"fix_hyphenation"`
}

const (
	DefaultSentenceLengthLimit = 8
	DefaultMinSentenceLength   = 4
	MinSentenceLengthLimit     = 4
	MaxSentenceLengthLimit     = 20
)

// DefaultProcessingSettings returns the documented default settings.
func DefaultProcessingSettings() ProcessingSettings {
	return ProcessingSettings{
		SentenceLengthLimit: DefaultSentenceLengthLimit,
		MinSentenceLength:   DefaultMinSentenceLength,
		FixHyphenation:      true,
	}
}

// Normalize clamps out-of-range values to the documented bounds.
func (s ProcessingSettings) Normalize() ProcessingSettings {
	if s.SentenceLengthLimit < MinSentenceLengthLimit {
		s.SentenceLengthLimit = DefaultSentenceLengthLimit
	}
	if s.SentenceLengthLimit > MaxSentenceLengthLimit {
		s.SentenceLengthLimit = MaxSentenceLengthLimit
	}
	if s.MinSentenceLength < 1 {
		s.MinSentenceLength = DefaultMinSentenceLength
	}
	if s.MinSentenceLength > s.SentenceLengthLimit {
		s.MinSentenceLength = s.SentenceLengthLimit
	}
	return s
}

// Task types understood by the worker pool.
const (
	TaskJobRun       = "job:run"
	TaskChunkProcess = "chunk:process"
	TaskJobFinalize  = "job:finalize"
)

// TaskMessage is the broker payload. It deliberately carries identifiers
// only, never chunk payloads: workers read authoritative state from storage.
type TaskMessage struct {
	TaskID  string `json:"task_id"`
	Type    string `json:"type"`
	JobID   uint   `json:"job_id"`
	ChunkID int    `json:"chunk_id"`
	Round   int    `json:"round"`
	// Attempt counts re-executions of the task itself. Only finalize
	// tasks use it; chunk attempts live on the chunk row.
	Attempt int `json:"attempt"`
}

// ProgressEvent is the wire payload published to room "job:<id>" and
// returned by GET /jobs/:id. Field set and naming are part of the stable
// JSON contract.
type ProgressEvent struct {
	ID              uint       `json:"id"`
	UserID          uint       `json:"user_id"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	CurrentStep     string     `json:"current_step"`
	ErrorMessage    *string    `json:"error_message"`
	TotalChunks     *int       `json:"total_chunks"`
	ProcessedChunks int        `json:"processed_chunks"`
	EstimatedCredits int       `json:"estimated_credits"`
	ActualCredits   *int       `json:"actual_credits"`
	Model           ModelTier  `json:"model"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// ChunkResult is the result_json stored on a successful chunk.
type ChunkResult struct {
	Sentences []string `json:"sentences"`
	Tokens    int      `json:"tokens"`
}

// MonthBucket formats the ledger month key for a point in time (UTC).
func MonthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}
