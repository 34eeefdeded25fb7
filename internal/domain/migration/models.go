// migration contains the live stream relocation saga: the persisted
// migration record, the catch-up copier and the orchestrator that moves an
// entity's log to a new stream while writers keep operating.
package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

// Phase tracks how far the relocation has progressed structurally
type Phase uint8

const (
	Normal Phase = iota
	DualWrite
	DualRead
	Cutover
	BookClosed

	// Do not edit these
	phaseNormal     string = "normal"
	phaseDualWrite  string = "dual_write"
	phaseDualRead   string = "dual_read"
	phaseCutover    string = "cutover"
	phaseBookClosed string = "book_closed"
)

var phaseToString = map[Phase]string{
	Normal:     phaseNormal,
	DualWrite:  phaseDualWrite,
	DualRead:   phaseDualRead,
	Cutover:    phaseCutover,
	BookClosed: phaseBookClosed,
}

var phaseToId = map[string]Phase{
	phaseNormal:     Normal,
	phaseDualWrite:  DualWrite,
	phaseDualRead:   DualRead,
	phaseCutover:    Cutover,
	phaseBookClosed: BookClosed,
}

func (p Phase) String() string {
	return phaseToString[p]
}

// MarshalJSON marshals the enum as a quoted json string
func (p Phase) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(phaseToString[p])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted json string to the enum value
func (p *Phase) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if found, ok := phaseToId[j]; ok {
		*p = found
		return nil
	}
	return fmt.Errorf("invalid phase: [%s]", string(b))
}

// Status is the saga's lifecycle state
type Status uint8

const (
	Pending Status = iota
	InProgress
	Verifying
	CuttingOver
	Completed
	Failed
	Cancelled
	RollingBack
	RolledBack

	// Do not edit these
	statusPending     string = "pending"
	statusInProgress  string = "in_progress"
	statusVerifying   string = "verifying"
	statusCuttingOver string = "cutting_over"
	statusCompleted   string = "completed"
	statusFailed      string = "failed"
	statusCancelled   string = "cancelled"
	statusRollingBack string = "rolling_back"
	statusRolledBack  string = "rolled_back"
)

var statusToString = map[Status]string{
	Pending:     statusPending,
	InProgress:  statusInProgress,
	Verifying:   statusVerifying,
	CuttingOver: statusCuttingOver,
	Completed:   statusCompleted,
	Failed:      statusFailed,
	Cancelled:   statusCancelled,
	RollingBack: statusRollingBack,
	RolledBack:  statusRolledBack,
}

var statusToId = map[string]Status{
	statusPending:     Pending,
	statusInProgress:  InProgress,
	statusVerifying:   Verifying,
	statusCuttingOver: CuttingOver,
	statusCompleted:   Completed,
	statusFailed:      Failed,
	statusCancelled:   Cancelled,
	statusRollingBack: RollingBack,
	statusRolledBack:  RolledBack,
}

func (s Status) String() string {
	return statusToString[s]
}

// IsTerminal returns true for states the saga never leaves on its own
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, RolledBack:
		return true
	default:
		return false
	}
}

// ResumableStatuses lists the statuses a sweeper may pick back up
func ResumableStatuses() []Status {
	var out []Status
	for status := range statusToString {
		if !status.IsTerminal() {
			out = append(out, status)
		}
	}
	return out
}

// MarshalJSON marshals the enum as a quoted json string
func (s Status) MarshalJSON() ([]byte, error) {
	buffer := bytes.NewBufferString(`"`)
	buffer.WriteString(statusToString[s])
	buffer.WriteString(`"`)
	return buffer.Bytes(), nil
}

// UnmarshalJSON unmarshals a quoted json string to the enum value
func (s *Status) UnmarshalJSON(b []byte) error {
	var j string
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	if found, ok := statusToId[j]; ok {
		*s = found
		return nil
	}
	return fmt.Errorf("invalid status: [%s]", string(b))
}

// Record is the persisted state of one migration. It carries everything a
// re-entering orchestrator needs to determine completed steps and resume.
type Record struct {
	Object        object.Identifier
	Source        object.StreamId
	Target        object.StreamId
	SourceBackend document.BackendRef
	TargetBackend document.BackendRef
	Phase         Phase
	Status        Status
	// Backup is the handle returned by the backup provider, kept for rollback
	Backup BackupHandle
	// CatchUpAttempts counts close attempts that lost the race against
	// concurrent writers and forced another catch-up pass
	CatchUpAttempts uint
	// CopiedSourceVersion is the copy checkpoint: the next source version
	// the copier will read. Preserved across cancellation and crashes.
	CopiedSourceVersion object.Version
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Result reports the terminal outcome of a migration run
type Result struct {
	Status          Status
	EventsMigrated  uint64
	CatchUpAttempts uint
	Duration        time.Duration
}

// ConvergencePolicy decides what to do when the catch-up loop cannot drain a
// hot source stream within its budget
type ConvergencePolicy uint8

const (
	// KeepTrying loops until convergence or cancellation
	KeepTrying ConvergencePolicy = iota
	// FailOnDivergence gives up and marks the migration Failed
	FailOnDivergence
	// PauseSource asks the admission controller to hold writers, converges
	// once more, then resumes them
	PauseSource

	// Do not edit these
	policyKeepTrying  string = "keep_trying"
	policyFail        string = "fail"
	policyPauseSource string = "pause_source"
)

var policyToString = map[ConvergencePolicy]string{
	KeepTrying:       policyKeepTrying,
	FailOnDivergence: policyFail,
	PauseSource:      policyPauseSource,
}

var policyToId = map[string]ConvergencePolicy{
	policyKeepTrying:  KeepTrying,
	policyFail:        FailOnDivergence,
	policyPauseSource: PauseSource,
}

func (p ConvergencePolicy) String() string {
	return policyToString[p]
}

// ParseConvergencePolicy parses the config string form
func ParseConvergencePolicy(raw string) (ConvergencePolicy, error) {
	if found, ok := policyToId[raw]; ok {
		return found, nil
	}
	return KeepTrying, fmt.Errorf("invalid convergence policy: [%s]", raw)
}

// <-- Domain Errors

// NotFound is returned when no migration record exists for the entity
type NotFound struct {
	Object object.Identifier
}

func (e NotFound) Error() string {
	return fmt.Sprintf("No migration record for [%v]", e.Object)
}

// AlreadyExists is returned when creating a record for an entity that has one
type AlreadyExists struct {
	Object object.Identifier
}

func (e AlreadyExists) Error() string {
	return fmt.Sprintf("A migration record already exists for [%v]", e.Object)
}

// Conflict is returned when a record update loses a compare-and-swap
type Conflict struct {
	Object object.Identifier
}

func (e Conflict) Error() string {
	return fmt.Sprintf("Migration record for [%v] was modified concurrently", e.Object)
}

// ConvergenceTimeout is returned when the catch-up loop exhausted its budget
// without draining the source
type ConvergenceTimeout struct {
	Object   object.Identifier
	Attempts uint
}

func (e ConvergenceTimeout) Error() string {
	return fmt.Sprintf("Catch-up for [%v] did not converge after [%d] attempts", e.Object, e.Attempts)
}

// VerificationMismatch is an irrecoverable integrity error: source and target
// disagree after copying. Never rolled back silently.
type VerificationMismatch struct {
	Object  object.Identifier
	Details string
}

func (e VerificationMismatch) Error() string {
	return fmt.Sprintf("Verification failed for [%v]: %s", e.Object, e.Details)
}

// UnknownBackend is returned when a document references a backend no
// resolver knows about
type UnknownBackend struct {
	Ref document.BackendRef
}

func (e UnknownBackend) Error() string {
	return fmt.Sprintf("No storage backend registered for ref [%s]", e.Ref)
}

// NotResumable is returned when re-entry is attempted on a terminal record
type NotResumable struct {
	Object object.Identifier
	Status Status
}

func (e NotResumable) Error() string {
	return fmt.Sprintf("Migration for [%v] is [%v] and cannot be resumed", e.Object, e.Status)
}

//     Errors -->
