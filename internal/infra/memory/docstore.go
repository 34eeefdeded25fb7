package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

type docEntry struct {
	raw      []byte
	revision uint64
}

// DocStore is an in-memory document.Store and document.Lister. Documents are
// stored serialized so callers never share mutable state with the store, and
// every write bumps a revision that doubles as the CAS tag.
type DocStore struct {
	mu   sync.RWMutex
	docs map[object.Identifier]*docEntry
}

func NewDocStore() *DocStore {
	return &DocStore{docs: make(map[object.Identifier]*docEntry)}
}

func tagOf(revision uint64) document.Tag {
	return document.Tag(strconv.FormatUint(revision, 10))
}

func (s *DocStore) Get(ctx context.Context, obj object.Identifier) (*document.Document, document.Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[obj]
	if !ok {
		return nil, "", document.NotFound{Object: obj}
	}
	var doc document.Document
	if err := json.Unmarshal(entry.raw, &doc); err != nil {
		return nil, "", err
	}
	return &doc, tagOf(entry.revision), nil
}

func (s *DocStore) Create(ctx context.Context, obj object.Identifier, doc *document.Document) (document.Tag, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[obj]; ok {
		return "", document.AlreadyExists{Object: obj}
	}
	s.docs[obj] = &docEntry{raw: raw, revision: 1}
	return tagOf(1), nil
}

func (s *DocStore) Update(ctx context.Context, obj object.Identifier, doc *document.Document, expected document.Tag) (document.Tag, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[obj]
	if !ok {
		return "", document.NotFound{Object: obj}
	}
	if tagOf(entry.revision) != expected {
		return "", document.Conflict{Object: obj}
	}
	entry.raw = raw
	entry.revision++
	return tagOf(entry.revision), nil
}

// List enumerates entities of the given types in stable order with
// continuation-token pagination. The token is the last returned identifier's
// sort key.
func (s *DocStore) List(ctx context.Context, names []object.Name, token document.PageToken, size int) (*document.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[object.Name]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	s.mu.RLock()
	keys := make([]object.Identifier, 0, len(s.docs))
	for obj := range s.docs {
		if len(wanted) == 0 || wanted[obj.Name] {
			keys = append(keys, obj)
		}
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	page := &document.Page{}
	for _, obj := range keys {
		if token != "" && obj.String() <= string(token) {
			continue
		}
		page.Items = append(page.Items, obj)
		if len(page.Items) == size {
			break
		}
	}
	if len(page.Items) == size && size > 0 {
		last := page.Items[len(page.Items)-1]
		// more may follow; hand out a continuation token
		if last.String() < keys[len(keys)-1].String() {
			page.Next = document.PageToken(last.String())
		}
	}
	return page, nil
}
