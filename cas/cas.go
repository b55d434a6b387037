// Package cas implements the content-addressed store's semantics on top
// of the storage ports: ingesting blobs inline or through the bulk
// store, verifying bulk content against its digest, batched presence
// checks with access stamping, retrieval and the cleanup jobs.
package cas

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/hashing"
)

// DefaultVerifyDeadline bounds one verification pass over a bulk
// object. An interrupted pass leaves the entry unverified for a later
// sweep instead of failing the task.
const DefaultVerifyDeadline = 10 * time.Minute

var (
	storeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_cache_stores",
		Help: "The total number of stored blobs, by placement.",
	}, []string{"placement"})
	storeDupes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_store_dupes",
		Help: "The total number of store requests for already present blobs.",
	})
	retrieveCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_cache_retrieves",
		Help: "The total number of served blobs, by source.",
	}, []string{"source"})
	verifyCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_cache_verifications",
		Help: "The total number of finished verification tasks, by outcome.",
	}, []string{"outcome"})
	deletedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_deleted_entries",
		Help: "The total number of entries removed by cleanup jobs.",
	})
)

// Engine wires the four storage ports together and owns every state
// transition of an entry. HTTP handlers call into it; it never touches
// the transport.
type Engine struct {
	meta      cache.MetadataStore
	bulk      cache.BulkStore
	rcache    cache.ReadCache
	scheduler cache.Scheduler

	retentionDays  int
	verifyDeadline time.Duration

	accessLogger cache.Logger
	errorLogger  cache.Logger
}

// New returns an Engine. readCache may be nil to disable read caching.
// A zero verifyDeadline selects DefaultVerifyDeadline.
func New(meta cache.MetadataStore, bulk cache.BulkStore, readCache cache.ReadCache,
	scheduler cache.Scheduler, retentionDays int, verifyDeadline time.Duration,
	accessLogger cache.Logger, errorLogger cache.Logger) *Engine {

	if verifyDeadline <= 0 {
		verifyDeadline = DefaultVerifyDeadline
	}
	return &Engine{
		meta:           meta,
		bulk:           bulk,
		rcache:         readCache,
		scheduler:      scheduler,
		retentionDays:  retentionDays,
		verifyDeadline: verifyDeadline,
		accessLogger:   accessLogger,
		errorLogger:    errorLogger,
	}
}

// NewBulkName generates the object name for one upload attempt. The
// name embeds the entry key so the orphan sweep can map objects back to
// entries, plus a random suffix so concurrent attempts never collide.
func NewBulkName(key cache.EntryKey) string {
	return key.Namespace + "/" + key.Digest + "-" + uuid.New().String()
}

// ParseBulkName recovers the entry key from a bulk object name,
// reporting false for names not of the <namespace>/<digest>-<suffix>
// shape.
func ParseBulkName(name string) (cache.EntryKey, bool) {
	slash := strings.IndexByte(name, '/')
	if slash <= 0 {
		return cache.EntryKey{}, false
	}
	rest := name[slash+1:]
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 {
		return cache.EntryKey{}, false
	}
	return cache.EntryKey{Namespace: name[:slash], Digest: rest[:dash]}, true
}

// expandAndHash consumes the stored byte stream, expanding zlib
// namespaces, and returns the content digest plus the expanded size.
func expandAndHash(namespace string, r io.Reader) (string, int64, error) {
	h := hashing.ForNamespace(namespace).New()

	var src io.Reader = r
	if cache.IsCompressedNamespace(namespace) {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return "", 0, err
		}
		defer zr.Close()
		src = zr
	}

	expanded, err := io.Copy(h, src)
	if err != nil {
		return "", expanded, err
	}
	return hex.EncodeToString(h.Sum(nil)), expanded, nil
}

// isCorruption reports whether err means the stored bytes are broken,
// as opposed to a transient read failure worth retrying.
func isCorruption(err error) bool {
	var corrupt flate.CorruptInputError
	return errors.Is(err, zlib.ErrHeader) ||
		errors.Is(err, zlib.ErrChecksum) ||
		errors.Is(err, zlib.ErrDictionary) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &corrupt)
}

// purgeEntry removes an entry row together with its bulk object, if
// any. Object deletion failures are logged, not propagated: the entry
// row going away is what matters for correctness.
func (e *Engine) purgeEntry(ctx context.Context, entry *cache.Entry) error {
	handle := e.meta.DeleteMany([]cache.EntryKey{entry.Key()})
	if entry.BulkName != "" {
		e.deleteObjects(ctx, []string{entry.BulkName})
	}
	return handle.Wait()
}

// deleteObjects removes bulk objects, logging the names it may have
// leaked on failure.
func (e *Engine) deleteObjects(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	if err := e.bulk.Delete(ctx, names); err != nil {
		e.errorLogger.Printf("Leaking files: %s", strings.Join(names, ", "))
	}
}

func notFoundErr(digest string) *cache.Error {
	return &cache.Error{
		Code: 404,
		Text: fmt.Sprintf("Unable to find an entry with key '%s'.", digest),
	}
}

// Retrieve returns the stored byte stream for a key along with its
// size. Compressed namespaces are served as stored, still compressed.
func (e *Engine) Retrieve(ctx context.Context, key cache.EntryKey) (io.ReadCloser, int64, error) {
	if e.rcache != nil {
		if data, ok := e.rcache.Get(ctx, key); ok {
			retrieveCount.WithLabelValues("readcache").Inc()
			return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
		}
	}

	entry, err := e.meta.Get(ctx, key)
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, 0, notFoundErr(key.Digest)
		}
		return nil, 0, err
	}

	// A provisional row belongs to an in-flight ingest. Report absence
	// and leave it alone.
	if entry.Pending() {
		return nil, 0, notFoundErr(key.Digest)
	}

	if entry.Inline() {
		if entry.InlineData == nil {
			return nil, 0, e.retrieveCorrupted(ctx, entry)
		}
		retrieveCount.WithLabelValues("inline").Inc()
		return io.NopCloser(bytes.NewReader(entry.InlineData)), int64(len(entry.InlineData)), nil
	}

	if entry.BulkName == "" {
		return nil, 0, e.retrieveCorrupted(ctx, entry)
	}
	if !entry.Verified() {
		return nil, 0, notFoundErr(key.Digest)
	}
	rc, err := e.bulk.Open(ctx, entry.BulkName)
	if err != nil {
		return nil, 0, err
	}
	retrieveCount.WithLabelValues("bulk").Inc()
	return rc, entry.Size, nil
}

// retrieveCorrupted drops a finalized entry whose placement data is
// gone and reports it as a 404.
func (e *Engine) retrieveCorrupted(ctx context.Context, entry *cache.Entry) error {
	msg := fmt.Sprintf("Corrupted entry with key '%s'.", entry.Digest)
	e.errorLogger.Printf("%s", msg)
	if err := e.purgeEntry(ctx, entry); err != nil {
		e.errorLogger.Printf("Unable to delete the corrupted entry %s: %v", entry.Key(), err)
	}
	return &cache.Error{Code: 404, Text: msg}
}

// StatusInfo is the payload of the status endpoint.
type StatusInfo struct {
	Namespaces        []string `json:"namespaces"`
	TestingNamespaces []string `json:"testing_namespaces"`
	RetentionDays     int      `json:"retention_days"`
}

func (e *Engine) Status(ctx context.Context) (*StatusInfo, error) {
	all, err := e.meta.AllNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	testing, err := e.meta.TestingNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		Namespaces:        all,
		TestingNamespaces: testing,
		RetentionDays:     e.retentionDays,
	}, nil
}
