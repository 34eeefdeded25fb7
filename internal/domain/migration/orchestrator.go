package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/lock"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
)

const (
	DefaultLockTTL           = 30 * time.Second
	DefaultLockTimeout       = 10 * time.Second
	DefaultLockBackoff       = 500 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultCloseAttempts     = 5
)

// OrchestratorSettings tunes the saga
type OrchestratorSettings struct {
	LockTTL           time.Duration
	LockTimeout       time.Duration
	LockBackoff       time.Duration
	HeartbeatInterval time.Duration
	// CloseAttempts bounds how many times a lost close race may send the
	// saga back to catch-up before the convergence policy kicks in
	CloseAttempts uint
	Policy        ConvergencePolicy
	Copy          CopierSettings
	// ContinueOnBackupFailure lets the saga proceed when the backup step
	// fails; by default a failed backup aborts
	ContinueOnBackupFailure bool
}

func (s *OrchestratorSettings) withDefaults() OrchestratorSettings {
	out := *s
	if out.LockTTL <= 0 {
		out.LockTTL = DefaultLockTTL
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = DefaultLockTimeout
	}
	if out.LockBackoff <= 0 {
		out.LockBackoff = DefaultLockBackoff
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.CloseAttempts == 0 {
		out.CloseAttempts = DefaultCloseAttempts
	}
	return out
}

// NewMigration describes where an entity's log should move
type NewMigration struct {
	// TargetBackend defaults to the source's backend when empty
	TargetBackend document.BackendRef
	// TargetStream is generated when empty
	TargetStream object.StreamId
}

// Orchestrator coordinates one entity's live migration: lock, backup, copy
// until convergence, verify, atomic close, routing cutover, book close,
// release. It tolerates re-entry mid-saga by reading the migration record and
// the source stream's tail to determine completed steps.
type Orchestrator struct {
	locks    lock.Provider
	routing  *document.RoutingTable
	records  Service
	backends BackendResolver
	settings OrchestratorSettings

	transform  event.TransformHook
	backup     BackupProvider
	verifier   Verifier
	bookCloser BookCloser
	admission  AdmissionController

	getUTC func() time.Time // for mocking
}

// For testing
func (o *Orchestrator) SetUTCGetter(getter func() time.Time) {
	o.getUTC = getter
}

// OrchestratorOption configures optional delegates
type OrchestratorOption func(*Orchestrator)

// WithTransform installs an upcast hook applied during copying
func WithTransform(hook event.TransformHook) OrchestratorOption {
	return func(o *Orchestrator) { o.transform = hook }
}

// WithBackup installs a backup provider run before copying
func WithBackup(provider BackupProvider) OrchestratorOption {
	return func(o *Orchestrator) { o.backup = provider }
}

// WithVerifier installs an integrity check run after convergence
func WithVerifier(verifier Verifier) OrchestratorOption {
	return func(o *Orchestrator) { o.verifier = verifier }
}

// WithBookCloser installs archival side effects run after cutover
func WithBookCloser(closer BookCloser) OrchestratorOption {
	return func(o *Orchestrator) { o.bookCloser = closer }
}

// WithAdmission installs the admission controller used by the PauseSource
// convergence policy
func WithAdmission(admission AdmissionController) OrchestratorOption {
	return func(o *Orchestrator) { o.admission = admission }
}

func NewOrchestrator(locks lock.Provider, routing *document.RoutingTable, records Service,
	backends BackendResolver, settings OrchestratorSettings, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		locks:     locks,
		routing:   routing,
		records:   records,
		backends:  backends,
		settings:  settings.withDefaults(),
		admission: NoopAdmission{},
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LockKey is the per-entity lock key guarding migrations
func LockKey(obj object.Identifier) lock.Key {
	return lock.Key(fmt.Sprintf("migration/%s/%s", obj.Name, obj.Id))
}

// Migrate runs (or resumes) the migration of one entity's log to a new
// stream. Writers keep operating throughout; the only mutual exclusion is the
// per-entity distributed lock against other migrations.
func (o *Orchestrator) Migrate(ctx context.Context, obj object.Identifier, req NewMigration) (*Result, error) {
	start := o.getUTC()

	handle, err := lock.AcquireWithTimeout(ctx, o.locks, LockKey(obj), o.settings.LockTTL, o.settings.LockTimeout, o.settings.LockBackoff)
	if err != nil {
		// unattainable lock within the timeout is fatal for this run
		return nil, err
	}
	heartbeat := lock.NewHeartbeater(o.locks, handle, o.settings.HeartbeatInterval)
	heartbeat.Start(ctx)
	defer func() {
		heartbeat.Stop()
		if releaseErr := o.locks.Release(context.Background(), handle); releaseErr != nil {
			log.Warn().Err(releaseErr).Str("key", string(handle.Key)).Msg("Could not release migration lock")
		}
	}()

	record, err := o.loadOrCreateRecord(ctx, obj, req)
	if err != nil {
		return nil, err
	}

	result, runErr := o.run(ctx, record, heartbeat)
	if runErr != nil {
		return nil, runErr
	}
	result.Duration = o.getUTC().Sub(start)
	return result, nil
}

// Resume re-enters a migration using only its persisted record, e.g. after
// the original orchestrator process died and its lease expired.
func (o *Orchestrator) Resume(ctx context.Context, obj object.Identifier) (*Result, error) {
	return o.Migrate(ctx, obj, NewMigration{})
}

func (o *Orchestrator) loadOrCreateRecord(ctx context.Context, obj object.Identifier, req NewMigration) (*Record, error) {
	record, err := o.records.Get(ctx, obj)
	if err == nil {
		if record.Status.IsTerminal() {
			return nil, NotResumable{Object: obj, Status: record.Status}
		}
		log.Info().
			Str("object", obj.String()).
			Str("status", record.Status.String()).
			Uint64("copied_source", uint64(record.CopiedSourceVersion)).
			Msg("Resuming existing migration")
		return record, nil
	}
	if _, notFound := err.(NotFound); !notFound {
		return nil, err
	}

	doc, _, err := o.routing.Get(ctx, obj)
	if err != nil {
		return nil, err
	}
	targetBackend := req.TargetBackend
	if targetBackend == "" {
		targetBackend = doc.Active.BackendRef
	}
	targetStream := req.TargetStream
	if targetStream == "" {
		targetStream = object.GenerateStreamId(obj.Name, obj.Id)
	}
	now := o.getUTC()
	record = &Record{
		Object:        obj,
		Source:        doc.Active.Stream,
		Target:        targetStream,
		SourceBackend: doc.Active.BackendRef,
		TargetBackend: targetBackend,
		Phase:         Normal,
		Status:        Pending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.records.Create(ctx, record); err != nil {
		if _, exists := err.(AlreadyExists); exists {
			// lost a create race before locks were involved; re-read
			return o.records.Get(ctx, obj)
		}
		return nil, err
	}
	return record, nil
}

// run executes the saga from whatever step the record and the source stream
// say is next
func (o *Orchestrator) run(ctx context.Context, record *Record, heartbeat *lock.Heartbeater) (*Result, error) {
	sourceBackend, err := o.backends.Resolve(record.SourceBackend)
	if err != nil {
		return nil, o.fail(record, err)
	}
	targetBackend, err := o.backends.Resolve(record.TargetBackend)
	if err != nil {
		return nil, o.fail(record, err)
	}
	source := stream.Open(sourceBackend, nil, record.Object, record.Source)
	target := stream.Open(targetBackend, nil, record.Object, record.Target)

	// re-entry detection: routing already flipped?
	doc, _, err := o.routing.Get(ctx, record.Object)
	if err != nil {
		return nil, o.fail(record, err)
	}
	if doc.Active.Stream == record.Target {
		log.Info().Str("object", record.Object.String()).Msg("Routing already cut over; finishing book close only")
		return o.finish(ctx, record, 0)
	}

	// re-entry detection: source already sealed?
	tail, tailVersion, err := source.Tail(ctx)
	if err != nil {
		return nil, o.fail(record, err)
	}
	if tail != nil && tail.IsClosure() {
		continuation, cErr := event.Continuation(tail)
		if cErr != nil {
			return nil, o.fail(record, cErr)
		}
		if continuation != record.Target {
			return nil, o.fail(record, stream.BrokenContinuation{Object: record.Object, Stream: record.Source})
		}
		log.Info().Str("object", record.Object.String()).Msg("Source already sealed; resuming at routing update")
		return o.cutoverAndFinish(ctx, record, target, tailVersion, 0, heartbeat)
	}

	if err := o.transition(ctx, record, InProgress, DualWrite); err != nil {
		return nil, err
	}

	// backup (optional, delegated)
	if o.backup != nil && record.Backup == "" {
		backupHandle, backupErr := o.backup.Backup(ctx, record.Source)
		if backupErr != nil {
			if !o.settings.ContinueOnBackupFailure {
				return nil, o.fail(record, backupErr)
			}
			log.Warn().Err(backupErr).Str("object", record.Object.String()).Msg("Backup failed; continuing as configured")
		} else {
			record.Backup = backupHandle
			o.update(ctx, record)
		}
	}

	// analyze (informational only)
	if count, aErr := source.NextVersion(ctx); aErr == nil {
		log.Info().
			Str("object", record.Object.String()).
			Str("source", string(record.Source)).
			Str("target", string(record.Target)).
			Uint64("event_count", uint64(count)).
			Msg("Starting catch-up copy")
	}

	copier := NewCopier(record.Object, sourceBackend, targetBackend, record.Source, record.Target,
		o.transform, &recordCheckpointer{records: o.records, record: record, getUTC: o.getUTC},
		record.CopiedSourceVersion, o.settings.Copy)

	converged, err := o.converge(ctx, record, copier)
	if err != nil {
		return nil, o.abort(record, err)
	}

	// verify (optional, delegated)
	if o.verifier != nil {
		if err := o.transition(ctx, record, Verifying, DualRead); err != nil {
			return nil, err
		}
		if vErr := o.verifier.Verify(ctx, source, target); vErr != nil {
			// integrity errors are fatal and never rolled back silently
			return nil, o.fail(record, vErr)
		}
	}

	// atomic close, returning to catch-up on every lost race
	sealedAt, err := o.close(ctx, record, source, copier, converged, heartbeat)
	if err != nil {
		return nil, o.abort(record, err)
	}

	return o.cutoverAndFinish(ctx, record, target, sealedAt, copier.Copied(), heartbeat)
}

// converge drains the source, applying the configured convergence policy when
// the copier's pass budget runs out
func (o *Orchestrator) converge(ctx context.Context, record *Record, copier *Copier) (object.Version, error) {
	for {
		converged, err := copier.Converge(ctx)
		if err == nil {
			return converged, nil
		}
		if _, timedOut := err.(ConvergenceTimeout); !timedOut {
			return 0, err
		}
		switch o.settings.Policy {
		case KeepTrying:
			log.Info().Str("object", record.Object.String()).Msg("Catch-up budget exhausted; policy is to keep trying")
			continue
		case PauseSource:
			return o.convergePaused(ctx, record, copier)
		default:
			return 0, err
		}
	}
}

// convergePaused holds writers off the entity long enough for one final pass
func (o *Orchestrator) convergePaused(ctx context.Context, record *Record, copier *Copier) (object.Version, error) {
	if err := o.admission.PauseWrites(ctx, record.Object); err != nil {
		return 0, err
	}
	defer func() {
		if err := o.admission.ResumeWrites(context.Background(), record.Object); err != nil {
			log.Error().Err(err).Str("object", record.Object.String()).Msg("Could not resume writes after paused convergence")
		}
	}()
	log.Info().Str("object", record.Object.String()).Msg("Writers paused for final catch-up pass")
	return copier.Converge(ctx)
}

// close appends the closure event with the converged expected version. A
// conflict means writers got more events in; we catch up again and retry,
// bounded by the close-attempt budget (subject to the convergence policy).
func (o *Orchestrator) close(ctx context.Context, record *Record, source *stream.EventStream,
	copier *Copier, converged object.Version, heartbeat *lock.Heartbeater) (object.Version, error) {
	for {
		if heartbeat.Lost() {
			return 0, lock.NotHeld{Key: LockKey(record.Object)}
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_, err := source.Close(ctx, record.Target, converged)
		if err == nil {
			log.Info().
				Str("object", record.Object.String()).
				Str("source", string(record.Source)).
				Uint64("sealed_at", uint64(converged)).
				Msg("Source stream sealed")
			return converged, nil
		}
		switch e := err.(type) {
		case stream.ConcurrencyConflict:
			record.CatchUpAttempts++
			o.update(ctx, record)
			if record.CatchUpAttempts > o.settings.CloseAttempts && o.settings.Policy == FailOnDivergence {
				return 0, ConvergenceTimeout{Object: record.Object, Attempts: record.CatchUpAttempts}
			}
			if record.CatchUpAttempts > o.settings.CloseAttempts && o.settings.Policy == PauseSource {
				reconverged, cErr := o.convergePaused(ctx, record, copier)
				if cErr != nil {
					return 0, cErr
				}
				converged = reconverged
				continue
			}
			log.Debug().
				Str("object", record.Object.String()).
				Uint("catch_up_attempts", record.CatchUpAttempts).
				Msg("Close lost the race against writers; catching up again")
			reconverged, cErr := o.converge(ctx, record, copier)
			if cErr != nil {
				return 0, cErr
			}
			converged = reconverged
		case stream.Closed:
			// someone sealed it; only tolerable if it points at our target
			if e.Continuation == record.Target {
				_, tailVersion, tErr := source.Tail(ctx)
				if tErr != nil {
					return 0, tErr
				}
				return tailVersion, nil
			}
			return 0, stream.BrokenContinuation{Object: record.Object, Stream: record.Source}
		default:
			return 0, err
		}
	}
}

// cutoverAndFinish flips routing to the target and completes the saga.
// Idempotent on re-entry: Cutover is a no-op when routing already points at
// the target.
func (o *Orchestrator) cutoverAndFinish(ctx context.Context, record *Record, target *stream.EventStream,
	terminationVersion object.Version, copied uint64, heartbeat *lock.Heartbeater) (*Result, error) {
	if heartbeat.Lost() {
		return nil, lock.NotHeld{Key: LockKey(record.Object)}
	}
	if err := o.transition(ctx, record, CuttingOver, Cutover); err != nil {
		return nil, err
	}

	targetInfo := document.StreamInfo{Stream: record.Target, BackendRef: record.TargetBackend}
	if targetNext, err := target.NextVersion(ctx); err == nil && targetNext > 0 {
		targetInfo.LastKnownVersion = targetNext - 1
	}
	if err := o.routing.Cutover(ctx, record.Object, targetInfo, terminationVersion); err != nil {
		return nil, o.abort(record, err)
	}

	return o.finish(ctx, record, copied)
}

// finish runs book close and marks the record Completed
func (o *Orchestrator) finish(ctx context.Context, record *Record, copied uint64) (*Result, error) {
	if o.bookCloser != nil {
		if err := o.bookCloser.BookClose(ctx, record.Object, record.Source); err != nil {
			// routing is already flipped; a resume lands straight back here
			return nil, o.fail(record, err)
		}
	}
	record.Status = Completed
	record.Phase = BookClosed
	o.update(ctx, record)
	log.Info().
		Str("object", record.Object.String()).
		Str("target", string(record.Target)).
		Uint64("events_migrated", copied).
		Uint("catch_up_attempts", record.CatchUpAttempts).
		Msg("Migration completed")
	return &Result{
		Status:          Completed,
		EventsMigrated:  copied,
		CatchUpAttempts: record.CatchUpAttempts,
	}, nil
}

// Rollback abandons a failed or cancelled migration that never sealed its
// source: the record is marked RolledBack and, when a backup was taken, the
// provider is asked to restore it. The half-copied target stream is simply
// orphaned; the source was never touched. Holds the same per-entity lock as
// Migrate, so a sweeper resuming the migration cannot race the restore.
func (o *Orchestrator) Rollback(ctx context.Context, obj object.Identifier) error {
	handle, err := lock.AcquireWithTimeout(ctx, o.locks, LockKey(obj), o.settings.LockTTL, o.settings.LockTimeout, o.settings.LockBackoff)
	if err != nil {
		return err
	}
	heartbeat := lock.NewHeartbeater(o.locks, handle, o.settings.HeartbeatInterval)
	heartbeat.Start(ctx)
	defer func() {
		heartbeat.Stop()
		if releaseErr := o.locks.Release(context.Background(), handle); releaseErr != nil {
			log.Warn().Err(releaseErr).Str("key", string(handle.Key)).Msg("Could not release migration lock")
		}
	}()

	record, err := o.records.Get(ctx, obj)
	if err != nil {
		return err
	}
	if record.Status != Failed && record.Status != Cancelled {
		return NotResumable{Object: obj, Status: record.Status}
	}

	sourceBackend, err := o.backends.Resolve(record.SourceBackend)
	if err != nil {
		return err
	}
	source := stream.Open(sourceBackend, nil, obj, record.Source)
	tail, _, err := source.Tail(ctx)
	if err != nil {
		return err
	}
	if tail != nil && tail.IsClosure() {
		// past the point of no return; forward recovery only
		return NotResumable{Object: obj, Status: record.Status}
	}

	record.Status = RollingBack
	o.update(ctx, record)
	if o.backup != nil && record.Backup != "" {
		if err := o.backup.Restore(ctx, record.Backup); err != nil {
			return o.fail(record, err)
		}
	}
	record.Status = RolledBack
	o.update(ctx, record)
	return nil
}

// transition records a status/phase change
func (o *Orchestrator) transition(ctx context.Context, record *Record, status Status, phase Phase) error {
	record.Status = status
	record.Phase = phase
	record.UpdatedAt = o.getUTC()
	return o.records.Update(ctx, record)
}

// update persists the record, logging instead of failing; record writes are
// bookkeeping and must not mask the saga's real error
func (o *Orchestrator) update(ctx context.Context, record *Record) {
	record.UpdatedAt = o.getUTC()
	if err := o.records.Update(ctx, record); err != nil {
		log.Warn().Err(err).Str("object", record.Object.String()).Msg("Could not update migration record")
	}
}

// abort classifies an error: cancellation preserves progress under Cancelled,
// everything else marks the migration Failed
func (o *Orchestrator) abort(record *Record, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		record.Status = Cancelled
		o.update(context.Background(), record)
		log.Info().
			Str("object", record.Object.String()).
			Uint64("copied_source", uint64(record.CopiedSourceVersion)).
			Msg("Migration cancelled; copy progress preserved for resumption")
		return err
	}
	return o.fail(record, err)
}

// fail marks the migration Failed; the source stream is untouched unless the
// close already succeeded, in which case resumption recovers forward
func (o *Orchestrator) fail(record *Record, err error) error {
	record.Status = Failed
	o.update(context.Background(), record)
	log.Error().Err(err).Str("object", record.Object.String()).Msg("Migration failed")
	return err
}

// recordCheckpointer persists copy progress into the migration record
type recordCheckpointer struct {
	records Service
	record  *Record
	getUTC  func() time.Time
}

func (c *recordCheckpointer) Checkpoint(ctx context.Context, copiedSource object.Version) error {
	c.record.CopiedSourceVersion = copiedSource
	c.record.UpdatedAt = c.getUTC()
	return c.records.Update(ctx, c.record)
}
