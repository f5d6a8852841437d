package tasks

import (
	"context"
	"fmt"

	"lorebase/internal/ingest"
)

// PipelineExecutor runs jobs against the ingestion pipeline.
type PipelineExecutor struct {
	pipeline *ingest.Pipeline
}

// NewPipelineExecutor wraps the pipeline as a job executor.
func NewPipelineExecutor(p *ingest.Pipeline) *PipelineExecutor {
	return &PipelineExecutor{pipeline: p}
}

// Execute dispatches by job kind and returns a JSON-friendly result.
func (e *PipelineExecutor) Execute(ctx context.Context, job Job) (any, error) {
	switch job.Kind {
	case KindAddFiles:
		kb, skipped, err := e.pipeline.AddFiles(ctx, job.KBID, job.FileIDs, job.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"kb_id":       job.KBID,
			"file_count":  kb.FileCount,
			"chunk_count": kb.ChunkCount,
			"skipped":     skipped,
		}, nil
	case KindReindexFile:
		kb, err := e.pipeline.ReindexFile(ctx, job.KBID, job.FileID, job.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"kb_id":       job.KBID,
			"file_id":     job.FileID,
			"file_count":  kb.FileCount,
			"chunk_count": kb.ChunkCount,
		}, nil
	case KindReindexAll:
		kb, reindexed, err := e.pipeline.ReindexAll(ctx, job.KBID, job.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"kb_id":           job.KBID,
			"file_count":      kb.FileCount,
			"chunk_count":     kb.ChunkCount,
			"reindexed_files": reindexed,
		}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
