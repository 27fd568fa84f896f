package storage

import (
	"time"

	"github.com/google/uuid"

	"oracle-audit/internal/domain"
)

// RunRecord is the header row of one persisted analysis run.
type RunRecord struct {
	ID          uuid.UUID
	From        time.Time
	To          time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Validators  int
	Submissions int
	DroppedRows int
	Flags       int
	CreatedAt   time.Time
}

// Run is everything persisted for one window.
type Run struct {
	Record     RunRecord
	Flags      []domain.Flag
	StaleRuns  []domain.StaleRun
	Collusion  []domain.CollusionPair
	Extremes   []domain.ExtremeEvent
	Scorecards []domain.ValidatorScorecard
	Reports    []domain.DetectorReport
}
