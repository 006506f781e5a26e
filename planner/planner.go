// Package planner computes the chunking strategy for a PDF processing job.
package planner

import (
	"lirevox.dev/common"
)

// Strategy names the sizing band a document falls into.
type Strategy string

const (
	StrategySmall  Strategy = "small"
	StrategyMedium Strategy = "medium"
	StrategyLarge  Strategy = "large"
)

// Plan is the chunking decision for one document: how many chunks to cut,
// how large, how much cross-chunk overlap, and how wide to fan out.
type Plan struct {
	Strategy        Strategy `json:"strategy"`
	ChunkSize       int      `json:"chunk_size"` // pages per chunk
	NumChunks       int      `json:"num_chunks"`
	ParallelWorkers int      `json:"parallel_workers"`
	OverlapPages    int      `json:"overlap_pages"`
}

// Sizing bands. Chunk sizes are chosen to stay well inside the LLM context
// budget for dense French prose.
const (
	smallMaxPages  = 50
	mediumMaxPages = 200

	mediumChunkSize = 40
	largeChunkSize  = 30

	smallParallel  = 2
	mediumParallel = 6
	largeParallel  = 8

	multiChunkOverlap = 2
)

// Compute returns the plan for a document. Illegal inputs are clamped:
// a page count below 1 is treated as 1. The model preference is accepted
// for forward compatibility; the current table does not vary by tier.
func Compute(pageCount int, _ common.ModelTier) Plan {
	if pageCount < 1 {
		pageCount = 1
	}

	var plan Plan
	switch {
	case pageCount <= smallMaxPages:
		plan = Plan{
			Strategy:        StrategySmall,
			ChunkSize:       pageCount,
			ParallelWorkers: smallParallel,
		}
	case pageCount <= mediumMaxPages:
		plan = Plan{
			Strategy:        StrategyMedium,
			ChunkSize:       mediumChunkSize,
			ParallelWorkers: mediumParallel,
		}
	default:
		plan = Plan{
			Strategy:        StrategyLarge,
			ChunkSize:       largeChunkSize,
			ParallelWorkers: largeParallel,
		}
	}

	plan.NumChunks = (pageCount + plan.ChunkSize - 1) / plan.ChunkSize
	if plan.NumChunks > 1 {
		plan.OverlapPages = multiChunkOverlap
	}
	return plan
}
