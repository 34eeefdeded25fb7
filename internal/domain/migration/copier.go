package migration

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
)

const (
	// DefaultCopyPageSize is how many source events one copy step reads
	DefaultCopyPageSize = 256
	// DefaultCopyBackoff is the delay between catch-up passes over a stream
	// that keeps receiving writes
	DefaultCopyBackoff = 100 * time.Millisecond
	// DefaultMaxPasses bounds one Converge invocation
	DefaultMaxPasses = 10
)

// CopierSettings tunes the catch-up loop
type CopierSettings struct {
	PageSize  int
	Backoff   time.Duration
	MaxPasses uint
}

func (s *CopierSettings) withDefaults() CopierSettings {
	out := *s
	if out.PageSize <= 0 {
		out.PageSize = DefaultCopyPageSize
	}
	if out.Backoff <= 0 {
		out.Backoff = DefaultCopyBackoff
	}
	if out.MaxPasses == 0 {
		out.MaxPasses = DefaultMaxPasses
	}
	return out
}

// A Checkpointer persists copy progress so a re-entering orchestrator resumes
// instead of restarting. The checkpoint is advisory: resume correctness comes
// from the target itself, so a checkpoint that lags the target never causes
// events to be copied twice.
type Checkpointer interface {
	Checkpoint(ctx context.Context, copiedSource object.Version) error
}

// MetadataSourceVersion is the metadata key stamped on transformed copies,
// recording which source version an event was copied from. Resume reads it
// off the target tail to find the true copy frontier.
const MetadataSourceVersion = "copy.source_version"

// Copier iteratively copies not-yet-replicated business events from a source
// stream to a target stream, preserving source order and optionally upcasting
// through a transform hook. Closure events are never copied. The target is
// appended to under its own optimistic concurrency, fully decoupled from
// source version numbers; transformed copies are stamped with the source
// version they came from so resume never duplicates them.
type Copier struct {
	obj          object.Identifier
	source       stream.Backend
	target       stream.Backend
	sourceId     object.StreamId
	targetId     object.StreamId
	transform    event.TransformHook // may be nil
	checkpointer Checkpointer        // may be nil
	settings     CopierSettings

	// next source version to read; with no transform this is derived from
	// the target length (1:1 copy), otherwise from the stamped target tail,
	// falling back to the persisted checkpoint
	progress    object.Version
	targetNext  object.Version
	copied      uint64
	initialized bool
}

// NewCopier builds a copier. checkpoint is the persisted copy progress; it is
// only consulted when a transform hook is present, and even then the stamped
// target tail wins when it is further along, since the checkpoint write lands
// after the target append and the two can diverge on a crash.
func NewCopier(obj object.Identifier, source, target stream.Backend, sourceId, targetId object.StreamId,
	transform event.TransformHook, checkpointer Checkpointer, checkpoint object.Version, settings CopierSettings) *Copier {
	return &Copier{
		obj:          obj,
		source:       source,
		target:       target,
		sourceId:     sourceId,
		targetId:     targetId,
		transform:    transform,
		checkpointer: checkpointer,
		settings:     settings.withDefaults(),
		progress:     checkpoint,
	}
}

// Copied returns the number of events appended to the target so far
func (c *Copier) Copied() uint64 {
	return c.copied
}

// Progress returns the next source version the copier will read
func (c *Copier) Progress() object.Version {
	return c.progress
}

func (c *Copier) init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	targetNext, err := c.target.NextVersion(ctx, c.targetId)
	if err != nil {
		return err
	}
	c.targetNext = targetNext
	if c.transform == nil {
		// 1:1 copy; the target itself is the checkpoint. Makes re-running
		// over an already-converged pair a no-op even without a persisted
		// checkpoint.
		c.progress = object.Version(targetNext)
	} else if targetNext > 0 {
		// transformed copies carry their source version in metadata, so the
		// target tail is the authoritative copy frontier. It may be ahead of
		// the persisted checkpoint when a crash hit between the target
		// append and the checkpoint write.
		tail, err := c.target.ReadPage(ctx, c.targetId, targetNext-1, 1)
		if err != nil {
			return err
		}
		if len(tail) == 1 {
			if raw, ok := tail[0].Metadata[MetadataSourceVersion]; ok {
				if parsed, pErr := strconv.ParseUint(raw, 10, 64); pErr == nil && object.Version(parsed) >= c.progress {
					c.progress = object.Version(parsed) + 1
				}
			}
		}
	}
	c.initialized = true
	return nil
}

// Converge runs catch-up passes until the target has every business event the
// source has, returning the source's observed length at convergence, which is
// the expected version for the atomic close. Exhausting the pass budget returns
// ConvergenceTimeout. Cancellable at pass and page boundaries, preserving
// progress.
func (c *Copier) Converge(ctx context.Context) (object.Version, error) {
	settings := c.settings
	for pass := uint(0); pass < settings.MaxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		sourceNext, converged, err := c.pass(ctx)
		if err != nil {
			return 0, err
		}
		if converged {
			return sourceNext, nil
		}
		log.Debug().
			Str("object", c.obj.String()).
			Uint64("copied_source", uint64(c.progress)).
			Uint64("source_next", uint64(sourceNext)).
			Uint("pass", pass).
			Msg("Source still ahead after catch-up pass")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(settings.Backoff):
		}
	}
	return 0, ConvergenceTimeout{Object: c.obj, Attempts: settings.MaxPasses}
}

// pass copies everything the source currently has beyond our progress mark
func (c *Copier) pass(ctx context.Context) (object.Version, bool, error) {
	if err := c.init(ctx); err != nil {
		return 0, false, err
	}
	sourceNext, err := c.source.NextVersion(ctx, c.sourceId)
	if err != nil {
		return 0, false, err
	}
	for c.progress < sourceNext {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		page, err := c.source.ReadPage(ctx, c.sourceId, c.progress, c.settings.PageSize)
		if err != nil {
			return 0, false, err
		}
		if len(page) == 0 {
			break
		}
		out := make([]event.Event, 0, len(page))
		for i, e := range page {
			if e.IsClosure() {
				continue
			}
			if c.transform == nil {
				out = append(out, e)
				continue
			}
			sourceVersion := c.progress + object.Version(i)
			if c.transform.CanTransform(e.Type, e.SchemaVersion) {
				transformed, err := c.transform.Transform(e)
				if err != nil {
					return 0, false, err
				}
				for _, upcast := range transformed {
					out = append(out, stampSourceVersion(upcast, sourceVersion))
				}
			} else {
				out = append(out, stampSourceVersion(e, sourceVersion))
			}
		}
		if err := c.appendToTarget(ctx, out); err != nil {
			return 0, false, err
		}
		c.progress += object.Version(len(page))
		if c.checkpointer != nil {
			// advisory; the stamped target tail keeps resume correct even
			// when this write is lost
			if err := c.checkpointer.Checkpoint(ctx, c.progress); err != nil {
				log.Warn().Err(err).Str("object", c.obj.String()).Msg("Could not persist copy checkpoint")
			}
		}
	}
	return sourceNext, c.progress >= sourceNext, nil
}

// appendToTarget appends one batch under the target's own expected version.
// One resync-and-retry covers a stale cached target length (e.g. after
// resuming); a second conflict is surfaced, because nothing else should be
// writing the target mid-migration.
func (c *Copier) appendToTarget(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	newNext, err := c.target.Append(ctx, c.targetId, c.targetNext, events)
	if err != nil {
		if _, conflict := err.(stream.ConcurrencyConflict); !conflict {
			return err
		}
		resynced, nvErr := c.target.NextVersion(ctx, c.targetId)
		if nvErr != nil {
			return nvErr
		}
		c.targetNext = resynced
		newNext, err = c.target.Append(ctx, c.targetId, c.targetNext, events)
		if err != nil {
			return err
		}
	}
	c.targetNext = newNext
	c.copied += uint64(len(events))
	return nil
}

// stampSourceVersion annotates a copied event with the source version it came
// from, cloning the metadata so the input event stays untouched
func stampSourceVersion(e event.Event, v object.Version) event.Event {
	meta := make(event.Metadata, len(e.Metadata)+1)
	for key, value := range e.Metadata {
		meta[key] = value
	}
	meta[MetadataSourceVersion] = strconv.FormatUint(uint64(v), 10)
	e.Metadata = meta
	return e
}
