package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/eriklieben/streamshift/internal/domain/event"
	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

type backupEntry struct {
	stream object.StreamId
	events []event.Event
}

// BackupProvider is an in-memory migration.BackupProvider snapshotting
// streams of a single memory Backend
type BackupProvider struct {
	backend *Backend
	mu      sync.Mutex
	backups map[migration.BackupHandle]backupEntry
}

func NewBackupProvider(backend *Backend) *BackupProvider {
	return &BackupProvider{backend: backend, backups: make(map[migration.BackupHandle]backupEntry)}
}

func (p *BackupProvider) Backup(ctx context.Context, id object.StreamId) (migration.BackupHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := migration.BackupHandle(strings.ReplaceAll(uuid.New().String(), "-", ""))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backups[handle] = backupEntry{stream: id, events: p.backend.Snapshot(id)}
	return handle, nil
}

func (p *BackupProvider) Restore(ctx context.Context, handle migration.BackupHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.backups[handle]
	if !ok {
		return fmt.Errorf("unknown backup handle [%s]", handle)
	}
	p.backend.Replace(entry.stream, entry.events)
	return nil
}

// AdmissionController is an in-memory migration.AdmissionController that
// tracks paused entities; writers embedding it can consult Paused before
// committing
type AdmissionController struct {
	mu     sync.RWMutex
	paused map[object.Identifier]bool
}

func NewAdmissionController() *AdmissionController {
	return &AdmissionController{paused: make(map[object.Identifier]bool)}
}

func (a *AdmissionController) PauseWrites(_ context.Context, obj object.Identifier) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused[obj] = true
	return nil
}

func (a *AdmissionController) ResumeWrites(_ context.Context, obj object.Identifier) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.paused, obj)
	return nil
}

// Paused reports whether writes for the entity are currently held
func (a *AdmissionController) Paused(obj object.Identifier) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.paused[obj]
}
