// Package cache defines the core data model of the content-addressed
// store and the ports its collaborators implement: the entry metadata
// store, the bulk object store, the small-blob read cache and the task
// scheduler.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	// MinSizeForBulk is the smallest body size routed to the bulk store.
	// Anything below it is stored inline on the metadata row.
	MinSizeForBulk = 501

	// MaxCachedSize is the per-blob ceiling for the read cache.
	MaxCachedSize = 500 * 1024

	// MaxKeysPerCall caps the number of digests accepted by a single
	// contains or tag request.
	MaxKeysPerCall = 1000

	// DeleteBatchSize is the number of keys deleted per async batch
	// during cleanup.
	DeleteBatchSize = 100

	// MaxNamespaceLength is the longest namespace name accepted at
	// store time. Longer namespaces remain readable.
	MaxNamespaceLength = 29
)

// Task queue names. Queue membership is reported to workers through the
// X-Task-Queue request header.
const (
	CleanupQueue = "cleanup"
	VerifyQueue  = "verify"
	TagQueue     = "tag"
)

// Logger is designed to be satisfied by log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Error is used by the service to describe failures that map onto HTTP
// status codes.
type Error struct {
	// Corresponds to a http.Status* code
	Code int
	// A human-readable string describing the error
	Text string
}

func (e *Error) Error() string {
	return e.Text
}

// IsNotFound reports whether err is an *Error carrying a 404.
func IsNotFound(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Code == 404
}

// ErrTaskExists is returned by Scheduler.Enqueue when a named task was
// already enqueued inside the deduplication window.
var ErrTaskExists = errors.New("task with the same name was recently enqueued")

// ErrListUnsupported is reported by BulkStore.List on backends without a
// listing API. Sweeps that need a full listing skip such backends.
var ErrListUnsupported = errors.New("the bulk store does not support listing")

// ScanFilter selects entries for MetadataStore.Scan.
type ScanFilter struct {
	// Namespace restricts the scan to one namespace. Empty scans all.
	Namespace string

	// LastAccessBefore keeps only entries whose access stamp is older
	// than the given day. The zero value disables the filter.
	LastAccessBefore time.Time
}

// ScanRecord is one scanned entry: its key, plus the bulk object name
// when the entry is bulk-placed, so cleanup can release the object
// without a second lookup.
type ScanRecord struct {
	Key      EntryKey
	BulkName string
}

// EntryScanner pages through entries in bounded chunks. Next returns
// io.EOF after the final chunk.
type EntryScanner interface {
	Next(ctx context.Context) ([]ScanRecord, error)
}

// DeleteHandle tracks one asynchronous batched delete. Callers that
// need the outcome block on Wait.
type DeleteHandle struct {
	done chan struct{}
	err  error
}

func NewDeleteHandle() *DeleteHandle {
	return &DeleteHandle{done: make(chan struct{})}
}

// Complete records the outcome and releases waiters. It must be called
// exactly once.
func (h *DeleteHandle) Complete(err error) {
	h.err = err
	close(h.done)
}

func (h *DeleteHandle) Wait() error {
	<-h.done
	return h.err
}

// MetadataStore holds entry and namespace rows. Implementations must
// make InsertIfAbsent linearizable per key.
type MetadataStore interface {
	// Get returns the entry for key, or an *Error with code 404.
	Get(ctx context.Context, key EntryKey) (*Entry, error)

	// ExistsBatch performs keys-only presence lookups for the digests,
	// issued concurrently, and returns one bool per digest in order.
	ExistsBatch(ctx context.Context, namespace string, digests []string) ([]bool, error)

	// InsertIfAbsent writes e only when its key is absent and reports
	// whether the write happened. The namespace row is created on first
	// insert into a namespace.
	InsertIfAbsent(ctx context.Context, e *Entry) (bool, error)

	// Update persists a mutated entry. Steady-state mutation is limited
	// to committing ExpandedSize after verification and bumping
	// LastAccess; ingest additionally uses it to finalize a provisional
	// entry it inserted itself.
	Update(ctx context.Context, e *Entry) error

	// PutMulti persists a batch of mutated entries in one write.
	PutMulti(ctx context.Context, entries []*Entry) error

	// DeleteMany removes the given keys asynchronously.
	DeleteMany(keys []EntryKey) *DeleteHandle

	// DeleteNamespaces removes namespace rows asynchronously. Entries
	// under them are not touched.
	DeleteNamespaces(names []string) *DeleteHandle

	Scan(ctx context.Context, f ScanFilter) EntryScanner

	TestingNamespaces(ctx context.Context) ([]string, error)
	AllNamespaces(ctx context.Context) ([]string, error)

	Close() error
}

// ObjectInfo describes one bulk store object.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ObjectScanner pages through bulk objects. Next returns io.EOF after
// the final page.
type ObjectScanner interface {
	Next(ctx context.Context) ([]ObjectInfo, error)
}

// BulkStore holds blob bytes too large for inline placement. Object
// names are <namespace>/<digest>-<suffix> and are chosen by the caller
// at upload time.
type BulkStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open returns the object's byte stream, or an *Error with code 404.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the named objects. Missing objects are not an
	// error.
	Delete(ctx context.Context, names []string) error

	List(ctx context.Context, prefix string) ObjectScanner
}

// ReadCache is a small-value cache consulted before the metadata store
// on retrieval. It holds stored bytes (compressed namespaces keep their
// compressed form).
type ReadCache interface {
	Get(ctx context.Context, key EntryKey) ([]byte, bool)
	Set(ctx context.Context, key EntryKey, data []byte)
	Flush(ctx context.Context) error
}

// Task is one unit of deferred work, delivered as an HTTP POST to Path
// on the service itself with the queue marker header set.
type Task struct {
	Queue string

	// Name deduplicates tasks: a second task with the same non-empty
	// name inside the dedup window fails with ErrTaskExists.
	Name string

	Path    string
	Payload []byte
}

// Scheduler enqueues tasks for at-least-once background execution.
type Scheduler interface {
	Enqueue(ctx context.Context, t Task) error
}
