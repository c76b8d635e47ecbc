package telemetry

import (
	"context"
	"fmt"
	"time"
)

// Status of one update lifecycle transition.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage names the update stage a failed record points at.
type Stage string

const (
	StageBackup      Stage = "backup"
	StageDownload    Stage = "download"
	StageStartup     Stage = "startup"
	StageHealthCheck Stage = "health_check"
)

// ActionRolledBack marks records emitted after a compensating rollback.
const ActionRolledBack = "rolled_back"

// DefaultBucket is where update logs land unless configured otherwise.
const DefaultBucket = "ota-logs"

// Record is one immutable, append-only update-log entry. Losing a record
// is non-fatal to orchestration; sinks are fire-and-forget.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	TargetVersion string    `json:"target_version"`
	Status        Status    `json:"status"`
	Stage         Stage     `json:"stage,omitempty"`
	Action        string    `json:"action,omitempty"`
	Details       string    `json:"details,omitempty"`
}

// Key derives the object key for a record:
// update_logs/{version}_{timestamp}.json.
func (r Record) Key() string {
	return fmt.Sprintf("update_logs/%s_%s.json", r.TargetVersion, r.Timestamp.UTC().Format("20060102150405"))
}

// Sink durably stores update records. Implementations must be safe for
// sequential reuse; errors are logged by the caller and never escalate.
type Sink interface {
	Store(ctx context.Context, rec Record) error
}
