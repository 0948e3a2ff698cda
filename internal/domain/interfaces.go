package domain

import (
	"context"
	"iter"
	"time"
)

// Fetcher defines the interface for HTTP document retrieval
type Fetcher interface {
	// Get fetches content from a URL
	Get(ctx context.Context, url string) (*Response, error)
	// GetWithHeaders fetches content with custom headers
	GetWithHeaders(ctx context.Context, url string, headers map[string]string) (*Response, error)
	// Close releases resources
	Close() error
}

// ListFilter narrows a Backend.List scan. Zero value matches everything
// of the given kind.
type ListFilter struct {
	Kind RecordKind
	Host string // exact host match when non-empty
}

// Backend is the record-store contract both adapters implement.
// Lookups by canonical URL are index-backed and must not scan the table.
type Backend interface {
	// ID returns the backend identifier
	ID() BackendID
	// Get returns the record stored under canonicalURL, or ErrNotFound
	Get(ctx context.Context, kind RecordKind, canonicalURL string) (Record, error)
	// Insert stores a new record; ErrRecordExists when the key is taken
	Insert(ctx context.Context, rec Record) error
	// Update overwrites the record stored under canonicalURL
	Update(ctx context.Context, canonicalURL string, rec Record) error
	// Delete removes the record stored under canonicalURL, or ErrNotFound
	Delete(ctx context.Context, kind RecordKind, canonicalURL string) error
	// List lazily yields records matching the filter
	List(ctx context.Context, filter ListFilter) iter.Seq2[Record, error]
	// Export serializes one kind's table as an xlsx byte stream
	Export(ctx context.Context, kind RecordKind) ([]byte, error)
	// Close releases backend resources
	Close() error
}

// BulkInserter is implemented by backends whose table supports writing
// several rows in one call, so imports and replays avoid a request per row.
type BulkInserter interface {
	InsertBulk(ctx context.Context, recs []Record) error
}

// Cache defines the interface for fetched-response caching
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Has(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string) error
	Close() error
}
