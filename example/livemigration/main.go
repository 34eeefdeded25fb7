// A self-contained demo of a live migration: an account entity keeps
// receiving deposits from a background writer while its event log is moved to
// a fresh stream, upcasting v1 deposit payloads to v2 along the way. Runs
// entirely on the in-memory backends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/domain/stream"
	"github.com/eriklieben/streamshift/internal/infra/memory"
)

const backendRef = document.BackendRef("memory")

type depositV1 struct {
	Amount int `json:"amount"`
}

type depositV2 struct {
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx := context.Background()

	backend := memory.NewBackend()
	routing := document.NewRoutingTable(memory.NewDocStore())
	records := memory.NewRecordStore()
	locks := memory.NewLockProvider()

	obj := object.Identifier{Name: "account", Id: "42"}
	writer := stream.NewWriter(backend, routing, obj, stream.WriterSettings{BackendRef: backendRef})

	// seed some history
	for i := 0; i < 5; i++ {
		mustAppend(ctx, writer, deposit(10+i))
	}

	// keep writing concurrently while the migration runs
	writerCtx, stopWriter := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-writerCtx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			if _, err := writer.Append(writerCtx, []event.Event{deposit(100 + i)}); err != nil {
				if writerCtx.Err() != nil {
					return
				}
				log.Fatal().Err(err).Msg("Concurrent append failed")
			}
		}
	}()

	// upcast v1 deposits to v2 during the copy
	builder := event.NewTransformTableBuilder()
	err := builder.Register("deposited", 1, func(e event.Event) ([]event.Event, error) {
		var v1 depositV1
		if err := json.Unmarshal(e.Payload, &v1); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(depositV2{Amount: v1.Amount, Currency: "EUR"})
		if err != nil {
			return nil, err
		}
		upcast := e
		upcast.SchemaVersion = 2
		upcast.Payload = payload
		return []event.Event{upcast}, nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not register transform")
	}
	transforms := builder.Build()

	orchestrator := migration.NewOrchestrator(locks, routing, records,
		migration.BackendMap{backendRef: backend},
		migration.OrchestratorSettings{},
		migration.WithTransform(transforms),
		migration.WithBackup(memory.NewBackupProvider(backend)),
	)

	result, err := orchestrator.Migrate(ctx, obj, migration.NewMigration{})
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	stopWriter()
	wg.Wait()

	log.Info().
		Str("status", result.Status.String()).
		Uint64("events_migrated", result.EventsMigrated).
		Uint("catch_up_attempts", result.CatchUpAttempts).
		Msg("Migration done")

	// the writer still works, transparently redirected to the new stream
	token, err := writer.Append(ctx, []event.Event{deposit(999)})
	if err != nil {
		log.Fatal().Err(err).Msg("Post-migration append failed")
	}
	log.Info().Str("token", token.String()).Msg("Post-migration append landed on the new stream")

	doc, _, err := routing.Get(ctx, obj)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read routing document")
	}
	log.Info().
		Str("active_stream", string(doc.Active.Stream)).
		Int("terminated_streams", len(doc.Terminated)).
		Msg("Routing after cutover")

	// dump the migrated log
	active := stream.Open(backend, routing, obj, doc.Active.Stream)
	iter := active.Read(0, nil)
	for {
		versioned, err := iter.Next(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Read failed")
		}
		if versioned == nil {
			break
		}
		fmt.Printf("v%03d %-16s schema=%d payload=%s\n",
			versioned.Version, versioned.Event.Type, versioned.Event.SchemaVersion, versioned.Event.Payload)
	}
}

func deposit(amount int) event.Event {
	payload, _ := json.Marshal(depositV1{Amount: amount})
	return event.Event{
		Type:          "deposited",
		SchemaVersion: 1,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}
}

func mustAppend(ctx context.Context, writer *stream.Writer, e event.Event) {
	if _, err := writer.Append(ctx, []event.Event{e}); err != nil {
		log.Fatal().Err(err).Msg("Append failed")
	}
}
