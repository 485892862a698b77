package types

import (
	"encoding/json"
	"time"
)

// MutationStatus represents the lifecycle state of a queued mutation
type MutationStatus string

const (
	// StatusPending is waiting for the next flush.
	StatusPending MutationStatus = "PENDING"
	// StatusProcessing is claimed by a flusher that is replaying it right now.
	StatusProcessing MutationStatus = "PROCESSING"
	// StatusDead is a dead-lettered mutation that will not be replayed
	// until it is requeued by hand.
	StatusDead MutationStatus = "DEAD"
)

// Valid reports whether s is a known mutation status.
func (s MutationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDead:
		return true
	}
	return false
}

// QueuedMutation is a single deferred write: an endpoint plus the original
// form fields, replayed verbatim once connectivity returns.
type QueuedMutation struct {
	ID             string         `json:"id"`
	Endpoint       string         `json:"endpoint"`
	CreatedAt      time.Time      `json:"created_at"`
	Fields         Fields         `json:"fields"`
	Description    string         `json:"description,omitempty"`
	SchemaVersion  int            `json:"schema_version"`
	Status         MutationStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	ClaimToken     string         `json:"-"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
}

// AttemptOutcome records the result of one replay attempt when a claim is
// released without success.
type AttemptOutcome struct {
	Status     MutationStatus // StatusPending (retry later) or StatusDead
	StatusCode int            // 0 when no HTTP response was received
	Error      string
	At         time.Time
}

// CacheKind names a reference-data cache collection.
type CacheKind string

const (
	KindAssignments CacheKind = "assignments_cache"
	KindPoints      CacheKind = "points_cache"
)

// CacheKinds lists every cache collection. The mutation queue is never part
// of this list.
var CacheKinds = []CacheKind{KindAssignments, KindPoints}

// Valid reports whether k is a known cache kind.
func (k CacheKind) Valid() bool {
	return k == KindAssignments || k == KindPoints
}

// CacheRecord is a locally stored snapshot of server-owned reference data.
// Payload carries the domain fields; CachedAt drives age-based eviction.
type CacheRecord struct {
	ID           string          `json:"id"`
	ExpedienteID string          `json:"expediente_id"`
	Payload      json.RawMessage `json:"payload"`
	CachedAt     time.Time       `json:"cached_at"`
}

// Assignment is a supervisor assignment to an expediente.
type Assignment struct {
	ID              string `json:"id"`
	ExpedienteID    string `json:"expediente_id"`
	SupervisorID    string `json:"supervisor_id"`
	FechaAsignacion string `json:"fecha_asignacion"`
}

// Point is a monitoring point belonging to an expediente.
type Point struct {
	ID            string  `json:"id"`
	ExpedienteID  string  `json:"expediente_id"`
	Locacion      string  `json:"locacion"`
	CodPuntoCampo string  `json:"cod_punto_campo"`
	Este          float64 `json:"este"`
	Norte         float64 `json:"norte"`
	Estatus       string  `json:"estatus"`
}

// Expediente is a supervision file that reference data is preloaded for.
type Expediente struct {
	ID     string `json:"id"`
	Codigo string `json:"expediente_codigo"`
	Nombre string `json:"nombre"`
}

// ResolutionOutcome describes how a queued mutation was finally resolved.
type ResolutionOutcome string

const (
	OutcomeSucceeded    ResolutionOutcome = "succeeded"
	OutcomeDeadLettered ResolutionOutcome = "dead_lettered"
)

// Resolution is emitted when a queued mutation leaves the retry cycle.
type Resolution struct {
	MutationID  string            `json:"mutation_id"`
	Endpoint    string            `json:"endpoint"`
	Description string            `json:"description,omitempty"`
	Outcome     ResolutionOutcome `json:"outcome"`
	StatusCode  int               `json:"status_code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	At          time.Time         `json:"at"`
}

// FlushResult summarises one flush pass.
type FlushResult struct {
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	// Retrying counts failed replays plus snapshot entries the pass never reached.
	Retrying     int           `json:"retrying"`
	DeadLettered int           `json:"dead_lettered"`
	Skipped      int           `json:"skipped"`
	Shared       bool          `json:"shared"`
	Duration     time.Duration `json:"duration_ns"`
}

// StoreStats holds record counts for every collection in the local store.
type StoreStats struct {
	Assignments      int `json:"assignments"`
	Points           int `json:"points"`
	Mutations        int `json:"mutations"`
	PendingMutations int `json:"pending_mutations"`
	DeadMutations    int `json:"dead_mutations"`
}

// CacheTotal returns the number of cached reference records.
func (s StoreStats) CacheTotal() int {
	return s.Assignments + s.Points
}

// PreloadResult summarises a cache preload for one expediente.
type PreloadResult struct {
	ExpedienteID string        `json:"expediente_id"`
	Assignments  int           `json:"assignments"`
	Points       int           `json:"points"`
	Evicted      int64         `json:"evicted"`
	Duration     time.Duration `json:"duration_ns"`
}

// HealthResponse represents the agent health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Online  bool   `json:"online"`
	Pending int    `json:"pending_mutations"`
}
