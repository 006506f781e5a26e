package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/ledger"
	"lirevox.dev/storage"
)

// tokensPerByte is the estimate heuristic for text-dominant PDFs when no
// exact LLM token count is available.
const tokensPerByte = 0.25

type EstimateResponse struct {
	EstimatedTokens  int     `json:"estimated_tokens"`
	EstimatedCredits int     `json:"estimated_credits"`
	PricingRate      float64 `json:"pricing_rate"`
	PricingVersion   string  `json:"pricing_version"`
	CurrentBalance   int     `json:"current_balance"`
	Allowed          bool    `json:"allowed"`
}

func (h *Handlers) Estimate(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	doc, _, err := h.readUpload(c, "pdf_file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	model := common.ModelTier(c.FormValue("model"))
	if model == "" {
		model = common.ModelBalanced
	}
	if !common.ValidModelTier(model) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid model tier"})
	}

	tokens := int(math.Ceil(float64(len(doc)) * tokensPerByte))
	if h.MaxEstimatedTokens > 0 && tokens > h.MaxEstimatedTokens {
		tokens = h.MaxEstimatedTokens
	}
	credits := int(math.Ceil(float64(tokens) * h.PricingRate))

	balance, err := h.Credits.Balance(caller.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read balance"})
	}

	h.Logger.WithFields(map[string]interface{}{
		"user_id":          caller.UserID,
		"size":             humanize.Bytes(uint64(len(doc))),
		"estimated_tokens": tokens,
	}).Info("Estimated PDF processing cost")

	return c.JSON(http.StatusOK, EstimateResponse{
		EstimatedTokens:  tokens,
		EstimatedCredits: credits,
		PricingRate:      h.PricingRate,
		PricingVersion:   common.PricingVersion,
		CurrentBalance:   balance,
		Allowed:          balance >= credits,
	})
}

type ConfirmRequest struct {
	Filename         string                     `json:"filename"`
	Model            common.ModelTier           `json:"model"`
	EstimatedTokens  int                        `json:"estimated_tokens"`
	EstimatedCredits int                        `json:"estimated_credits"`
	Settings         *common.ProcessingSettings `json:"settings"`
}

type ConfirmResponse struct {
	JobID            uint             `json:"job_id"`
	Status           common.JobStatus `json:"status"`
	EstimatedCredits int              `json:"estimated_credits"`
}

// ConfirmJob creates the pending job and reserves the estimated credits in
// one request. When the reserve fails the job row is rolled back so an
// unfunded confirmation leaves no trace.
func (h *Handlers) ConfirmJob(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Filename == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "filename is required"})
	}
	if req.EstimatedCredits <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "estimated_credits must be positive"})
	}
	if req.Model == "" {
		req.Model = common.ModelBalanced
	}
	if !common.ValidModelTier(req.Model) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid model tier"})
	}

	settings := common.DefaultProcessingSettings()
	if req.Settings != nil {
		settings = req.Settings.Normalize()
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to encode settings"})
	}

	job := &db.Job{
		UserID:           caller.UserID,
		Filename:         req.Filename,
		Model:            req.Model,
		SettingsJSON:     string(settingsJSON),
		PricingVersion:   common.PricingVersion,
		PricingRate:      h.PricingRate,
		Status:           common.JobPending,
		EstimatedTokens:  req.EstimatedTokens,
		EstimatedCredits: req.EstimatedCredits,
	}
	if err := h.Jobs.Create(job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create job"})
	}

	if err := h.Credits.Reserve(caller.UserID, job.ID, req.EstimatedCredits, common.PricingVersion); err != nil {
		if delErr := h.Jobs.Delete(job.ID); delErr != nil {
			h.Logger.WithError(delErr).WithField("job_id", job.ID).Error("Failed to roll back unfunded job")
		}
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return c.JSON(http.StatusPaymentRequired, map[string]string{"error": common.ErrCodeInsufficient})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to reserve credits"})
	}

	return c.JSON(http.StatusCreated, ConfirmResponse{
		JobID:            job.ID,
		Status:           job.Status,
		EstimatedCredits: job.EstimatedCredits,
	})
}

type ProcessResponse struct {
	JobID  uint             `json:"job_id"`
	TaskID string           `json:"task_id"`
	Status common.JobStatus `json:"status"`
}

// ProcessPDFAsync accepts the PDF for a confirmed job, persists it on the
// job row (or in object storage above the inline limit) and enqueues the
// primary orchestrator pass as a broker task. The response returns
// immediately; progress is observed via GET /jobs/:id or the realtime
// channel.
func (h *Handlers) ProcessPDFAsync(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	jobID, err := strconv.ParseUint(c.FormValue("job_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "job_id is required"})
	}

	job, err := h.Jobs.GetForUser(uint(jobID), caller.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load job"})
	}
	if job.Status != common.JobPending {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Job is already dispatched"})
	}

	doc, _, err := h.readUpload(c, "pdf_file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if settings, ok := settingsFromForm(c); ok {
		blob, err := json.Marshal(settings.Normalize())
		if err == nil {
			if _, err := h.Jobs.UpdateSettings(job.ID, string(blob)); err != nil {
				h.Logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to persist settings overrides")
			}
		}
	}

	ctx := c.Request().Context()
	var docB64, docURL string
	if h.Payloads != nil && h.DocumentInlineLimit > 0 && len(doc) > h.DocumentInlineLimit {
		url, err := h.Payloads.Put(ctx, storage.DocumentKey(job.ID), doc)
		if err != nil {
			h.Logger.WithError(err).WithField("job_id", job.ID).Error("Failed to store document")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store document"})
		}
		docURL = url
	} else {
		docB64 = base64.StdEncoding.EncodeToString(doc)
	}
	stored, err := h.Jobs.SetDocument(job.ID, docB64, docURL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store document"})
	}
	if !stored {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Job is already dispatched"})
	}

	taskID := uuid.New().String()
	task := common.TaskMessage{
		TaskID: taskID,
		Type:   common.TaskJobRun,
		JobID:  job.ID,
	}
	if err := h.Broker.Enqueue(ctx, task, 0); err != nil {
		h.Logger.WithError(err).WithField("job_id", job.ID).Error("Failed to dispatch job")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to dispatch job"})
	}

	return c.JSON(http.StatusAccepted, ProcessResponse{
		JobID:  job.ID,
		TaskID: taskID,
		Status: common.JobPending,
	})
}

func (h *Handlers) GetJob(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	job, ok := h.loadOwnedJob(c, caller.UserID)
	if !ok {
		return nil
	}
	return c.JSON(http.StatusOK, job.Event())
}

// CancelJob flags the job cancelled, revokes outstanding chunk tasks on the
// broker best-effort, and refunds immediately when the job never started.
// Workers re-check the flag at every state transition, so revocation misses
// are harmless.
func (h *Handlers) CancelJob(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	job, ok := h.loadOwnedJob(c, caller.UserID)
	if !ok {
		return nil
	}
	if job.Status.Terminal() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Job is already finished"})
	}

	if _, err := h.Jobs.RequestCancel(job.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to cancel job"})
	}

	ctx := c.Request().Context()
	rows, err := h.Chunks.ListForJob(job.ID)
	if err == nil {
		for _, row := range rows {
			if row.TaskID == "" || row.Status == common.ChunkSuccess || row.Status == common.ChunkFailed {
				continue
			}
			if err := h.Broker.Revoke(ctx, row.TaskID); err != nil {
				h.Logger.WithError(err).WithField("task_id", row.TaskID).Debug("Broker revoke failed")
			}
		}
	}

	// A job that never reached processing has no workers to observe the
	// flag; settle it here.
	if job.Status == common.JobPending {
		committed, err := h.Jobs.CompleteTerminal(job.ID, common.JobCancelled, nil, nil, nil, nil)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to cancel job"})
		}
		if committed {
			if err := h.Credits.Refund(caller.UserID, job.ID, job.EstimatedCredits); err != nil {
				h.Logger.WithError(err).WithField("job_id", job.ID).Error("Refund on cancellation failed")
			}
		}
	}

	fresh, err := h.Jobs.Get(job.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load job"})
	}
	return c.JSON(http.StatusOK, fresh.Event())
}

type ChunkView struct {
	ChunkID       int                `json:"chunk_id"`
	StartPage     int                `json:"start_page"`
	EndPage       int                `json:"end_page"`
	Status        common.ChunkStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	MaxRetries    int                `json:"max_retries"`
	LastErrorCode string             `json:"last_error_code,omitempty"`
}

type ChunksResponse struct {
	Chunks []ChunkView                `json:"chunks"`
	Counts map[common.ChunkStatus]int `json:"counts"`
}

func (h *Handlers) GetJobChunks(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	job, ok := h.loadOwnedJob(c, caller.UserID)
	if !ok {
		return nil
	}

	rows, err := h.Chunks.ListForJob(job.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load chunks"})
	}
	counts, err := h.Chunks.StatusCounts(job.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load chunks"})
	}

	views := make([]ChunkView, 0, len(rows))
	for _, row := range rows {
		views = append(views, ChunkView{
			ChunkID:       row.ChunkID,
			StartPage:     row.StartPage,
			EndPage:       row.EndPage,
			Status:        row.Status,
			Attempts:      row.Attempts,
			MaxRetries:    row.MaxRetries,
			LastErrorCode: row.LastErrorCode,
		})
	}
	return c.JSON(http.StatusOK, ChunksResponse{Chunks: views, Counts: counts})
}

type RetryRequest struct {
	ChunkIDs []int `json:"chunk_ids"`
	Force    bool  `json:"force"`
}

type RetryResponse struct {
	Retried int `json:"retried"`
	Round   int `json:"round"`
}

// RetryChunks re-dispatches specific failed chunks on demand. With force
// the attempt budget is reset, letting a permanently failed chunk run
// again.
func (h *Handlers) RetryChunks(c echo.Context) error {
	caller, ok := callerIdentity(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}

	job, ok := h.loadOwnedJob(c, caller.UserID)
	if !ok {
		return nil
	}
	if job.Status != common.JobCompleted && job.Status != common.JobFailed && job.Status != common.JobProcessing {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Job cannot be retried in its current state"})
	}

	var req RetryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if len(req.ChunkIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "chunk_ids is required"})
	}

	var eligible []int
	for _, chunkID := range req.ChunkIDs {
		chunk, err := h.Chunks.Get(job.ID, chunkID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "Chunk not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load chunk"})
		}
		if chunk.Status != common.ChunkFailed {
			return c.JSON(http.StatusConflict, map[string]string{"error": "Only failed chunks can be retried"})
		}
		eligible = append(eligible, chunkID)
	}

	round := job.BarrierRound + 1
	if err := h.Jobs.ArmBarrier(job.ID, len(eligible), round); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to arm retry"})
	}

	ctx := c.Request().Context()
	retried := 0
	for _, chunkID := range eligible {
		scheduled, err := h.Chunks.ScheduleForRound(job.ID, chunkID, req.Force)
		if err != nil || !scheduled {
			continue
		}
		task := common.TaskMessage{
			TaskID:  uuid.New().String(),
			Type:    common.TaskChunkProcess,
			JobID:   job.ID,
			ChunkID: chunkID,
			Round:   round,
		}
		if err := h.Broker.Enqueue(ctx, task, 0); err != nil {
			h.Logger.WithError(err).WithField("job_id", job.ID).Error("Failed to enqueue manual retry")
			continue
		}
		retried++
	}

	return c.JSON(http.StatusOK, RetryResponse{Retried: retried, Round: round})
}

// loadOwnedJob resolves the :id route param against the caller's jobs.
// When it returns false the response has already been written.
func (h *Handlers) loadOwnedJob(c echo.Context, userID uint) (*db.Job, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		_ = c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
		return nil, false
	}
	job, err := h.Jobs.GetForUser(uint(id), userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			_ = c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
			return nil, false
		}
		_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load job"})
		return nil, false
	}
	return job, true
}

func (h *Handlers) readUpload(c echo.Context, field string) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, "", errors.New(field + " is required")
	}
	if h.MaxUploadBytes > 0 && fh.Size > h.MaxUploadBytes {
		return nil, "", errors.New("uploaded file is too large")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", errors.New("failed to read uploaded file")
	}
	defer f.Close()

	var r io.Reader = f
	if h.MaxUploadBytes > 0 {
		r = io.LimitReader(f, h.MaxUploadBytes+1)
	}
	doc, err := io.ReadAll(r)
	if err != nil {
		return nil, "", errors.New("failed to read uploaded file")
	}
	if h.MaxUploadBytes > 0 && int64(len(doc)) > h.MaxUploadBytes {
		return nil, "", errors.New("uploaded file is too large")
	}
	return doc, fh.Filename, nil
}

// settingsFromForm collects the optional per-job overrides carried by the
// multipart dispatch request. Returns false when no override was sent.
func settingsFromForm(c echo.Context) (common.ProcessingSettings, bool) {
	settings := common.DefaultProcessingSettings()
	found := false

	if v := c.FormValue("sentence_length_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.SentenceLengthLimit = n
			found = true
		}
	}
	if v := c.FormValue("min_sentence_length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MinSentenceLength = n
			found = true
		}
	}
	if v := c.FormValue("gemini_model"); v != "" {
		settings.GeminiModel = v
		found = true
	}
	for field, target := range map[string]*bool{
		"ignore_dialogue":     &settings.IgnoreDialogue,
		"preserve_formatting": &settings.PreserveFormatting,
		"fix_hyphenation":     &settings.FixHyphenation,
	} {
		if v := c.FormValue(field); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*target = b
				found = true
			}
		}
	}
	return settings, found
}
