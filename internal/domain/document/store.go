package document

import (
	"context"

	"github.com/eriklieben/streamshift/internal/domain/object"
)

// A Store persists Documents with compare-and-swap semantics
type Store interface {
	// Get retrieves the document for an entity along with its current Tag.
	// Returns NotFound if the entity has no document.
	Get(ctx context.Context, obj object.Identifier) (*Document, Tag, error)

	// Create persists a brand new document. Returns AlreadyExists if one is
	// already present.
	Create(ctx context.Context, obj object.Identifier, doc *Document) (Tag, error)

	// Update replaces the document, succeeding only if expected matches the
	// currently persisted Tag. Returns Conflict otherwise.
	Update(ctx context.Context, obj object.Identifier, doc *Document, expected Tag) (Tag, error)
}

// PageToken is an opaque continuation token for document listing
type PageToken string

// Page is one page of discovered entities
type Page struct {
	Items []object.Identifier
	Next  PageToken // empty when exhausted
}

// A Lister enumerates entities of the given object types as a lazily paged
// sequence. Rebuild processes and migration sweeps share this primitive.
type Lister interface {
	List(ctx context.Context, names []object.Name, token PageToken, size int) (*Page, error)
}
