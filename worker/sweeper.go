// worker contains the background sweeper that picks up interrupted
// migrations and re-enters them. Runs on a cron schedule; each tick lists
// resumable records and hands them one by one to the resume callback.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/tracing"
)

const (
	DefaultSchedule  = "@every 1m"
	DefaultBatchSize = 10
)

// ResumeFunc re-enters a single interrupted migration. The wiring layer binds
// this to an orchestrator built for the record's entity.
type ResumeFunc func(ctx context.Context, record migration.Record) error

// Sweeper periodically scans for resumable migration records and resumes
// them. A tick that is still running when the next one fires is skipped.
type Sweeper struct {
	cron    *cron.Cron
	service migration.Service
	resume  ResumeFunc
	tracer  tracing.Tracer

	schedule  string
	batchSize int

	stopTimeout time.Duration
}

func NewSweeper(service migration.Service, resume ResumeFunc, tracer tracing.Tracer, schedule string, batchSize int, stopTimeout time.Duration) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{
		cron:        cron.New(cron.WithLocation(time.UTC)),
		service:     service,
		resume:      resume,
		tracer:      tracer,
		schedule:    schedule,
		batchSize:   batchSize,
		stopTimeout: stopTimeout,
	}
}

// Start registers the sweep job and starts the cron in its own Go routine
func (s *Sweeper) Start() error {
	job := cron.NewChain(
		cron.Recover(zeroLogCronLogger{}),
		cron.SkipIfStillRunning(zeroLogCronLogger{}),
	).Then(cron.FuncJob(s.sweep))
	if _, err := s.cron.AddJob(s.schedule, job); err != nil {
		return err
	}
	log.Info().Str("schedule", s.schedule).Msg("Starting migration sweeper")
	s.cron.Start()
	return nil
}

// Stop halts the cron and waits for a running sweep to finish, up to the
// configured stop timeout
func (s *Sweeper) Stop() error {
	stopCtx := s.cron.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	select {
	case <-stopCtx.Done():
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// Run starts the sweeper and blocks, listening for sig int and sig term to
// gracefully exit so in-flight resumes are not cut off mid-step
func (s *Sweeper) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Sweeper shutdown initialised ...")

	if err := s.Stop(); err != nil {
		log.Fatal().Err(err).Msg("Sweep did not exit in time, forcefully killing.")
	}

	log.Info().Msg("Sweeper gracefully exiting")
	return nil
}

func (s *Sweeper) sweep() {
	tx := s.tracer.BackgroundTx("migration-sweep")
	defer tx.End()
	ctx := tx.Context()

	records, err := s.service.ListResumable(ctx, s.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list resumable migrations")
		return
	}
	if len(records) == 0 {
		return
	}
	log.Info().Int("count", len(records)).Msg("Resuming interrupted migrations")
	for _, record := range records {
		if err := s.resume(ctx, record); err != nil {
			log.Error().
				Err(err).
				Str("object", record.Object.String()).
				Str("target", string(record.Target)).
				Msg("Failed to resume migration")
		}
	}
}

type zeroLogCronLogger struct {
}

func (z zeroLogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	if log.Info().Enabled() {
		formatted := formatTimeValues(keysAndValues)
		log.Info().Fields(formatted).Msg(msg)
	}
}

func (z zeroLogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if log.Error().Enabled() {
		formatted := formatTimeValues(keysAndValues)
		log.Error().Err(err).Fields(formatted).Msg(msg)
	}
}

// formatTimeValues formats any time.Time values as RFC3339 *and*
// returns the even-odd idx key-value pair slice as a map
func formatTimeValues(keysAndValues []interface{}) map[string]interface{} {
	formattedArgs := make(map[string]interface{}, len(keysAndValues)/2)
	for idx := 0; idx < len(keysAndValues); idx += 2 {
		var key string
		if s, ok := keysAndValues[idx].(string); ok {
			key = s
		} else {
			key = fmt.Sprint(keysAndValues[idx])
		}
		valueIdx := idx + 1
		if len(keysAndValues) > valueIdx {
			value := keysAndValues[valueIdx]
			if t, ok := value.(time.Time); ok {
				value = t.Format(time.RFC3339)
			}
			formattedArgs[key] = value
		}
	}
	return formattedArgs
}
