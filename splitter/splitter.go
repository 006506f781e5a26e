// Package splitter cuts a PDF into chunk payloads and materializes the
// chunk rows for a job.
package splitter

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
	"lirevox.dev/db"
	"lirevox.dev/pdf"
	"lirevox.dev/planner"
	"lirevox.dev/storage"
)

// Splitter produces the JobChunk rows for a job according to a plan. The
// row insert is atomic across the whole split; a failure after uploading
// some payloads removes all rows for the job again.
type Splitter struct {
	extractor   pdf.Extractor
	chunks      *db.ChunkStore
	payloads    storage.PayloadStore
	inlineLimit int
	maxRetries  int
	logger      *logrus.Logger
}

// New creates a splitter. payloads may be nil, in which case every chunk is
// stored inline regardless of size.
func New(extractor pdf.Extractor, chunks *db.ChunkStore, payloads storage.PayloadStore,
	inlineLimit, maxRetries int, logger *logrus.Logger) *Splitter {
	if logger == nil {
		logger = common.Logger
	}
	return &Splitter{
		extractor:   extractor,
		chunks:      chunks,
		payloads:    payloads,
		inlineLimit: inlineLimit,
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

// PageRange is one contiguous slice of the document. For every chunk after
// the first, the range begins overlap pages before the strict boundary so
// the merge step can deduplicate across chunk seams.
type PageRange struct {
	ChunkID    int
	Start      int // 0-based, inclusive
	End        int // 0-based, inclusive
	HasOverlap bool
}

// Ranges computes the page ranges for a plan over a page count.
func Ranges(pageCount int, plan planner.Plan) []PageRange {
	ranges := make([]PageRange, 0, plan.NumChunks)
	for i := 0; i < plan.NumChunks; i++ {
		start := i * plan.ChunkSize
		end := start + plan.ChunkSize - 1
		if end > pageCount-1 {
			end = pageCount - 1
		}
		overlap := false
		if i > 0 && plan.OverlapPages > 0 {
			start -= plan.OverlapPages
			if start < 0 {
				start = 0
			}
			overlap = true
		}
		ranges = append(ranges, PageRange{
			ChunkID:    i,
			Start:      start,
			End:        end,
			HasOverlap: overlap,
		})
	}
	return ranges
}

// Split cuts the document and persists one pending chunk row per range.
// After success the job has exactly plan.NumChunks pending chunks.
func (s *Splitter) Split(ctx context.Context, jobID uint, doc []byte, pageCount int, plan planner.Plan) ([]db.JobChunk, error) {
	ranges := Ranges(pageCount, plan)
	rows := make([]db.JobChunk, 0, len(ranges))

	for _, r := range ranges {
		sub, err := s.extractor.Slice(ctx, doc, r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("failed to slice pages %d-%d: %w", r.Start, r.End, err)
		}

		row := db.JobChunk{
			JobID:      jobID,
			ChunkID:    r.ChunkID,
			StartPage:  r.Start,
			EndPage:    r.End,
			PageCount:  r.End - r.Start + 1,
			HasOverlap: r.HasOverlap,
			Status:     common.ChunkPending,
			MaxRetries: s.maxRetries,
		}

		if s.payloads != nil && len(sub) > s.inlineLimit {
			url, err := s.payloads.Put(ctx, storage.PayloadKey(jobID, r.ChunkID), sub)
			if err != nil {
				return nil, fmt.Errorf("failed to store payload for chunk %d: %w", r.ChunkID, err)
			}
			row.PayloadURL = url
			s.logger.WithFields(logrus.Fields{
				"job_id":   jobID,
				"chunk_id": r.ChunkID,
				"size":     humanize.Bytes(uint64(len(sub))),
			}).Debug("chunk payload stored out-of-band")
		} else {
			row.PayloadB64 = base64.StdEncoding.EncodeToString(sub)
		}

		rows = append(rows, row)
	}

	if err := s.chunks.CreateAll(rows); err != nil {
		// Roll back any partially committed state for the job.
		if delErr := s.chunks.DeleteForJob(jobID); delErr != nil {
			s.logger.WithField("job_id", jobID).WithError(delErr).
				Error("failed to clean up chunks after split failure")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"num_chunks": len(rows),
		"strategy":   plan.Strategy,
	}).Info("split complete")
	return rows, nil
}
