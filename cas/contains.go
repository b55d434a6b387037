package cas

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/hashing"
)

// tagConcurrency bounds the entry load fan-out of the tag worker.
const tagConcurrency = 64

var (
	containsHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_contains_hits",
		Help: "The total number of presence checks that found their digest.",
	})
	containsMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_contains_misses",
		Help: "The total number of presence checks that missed.",
	})
	taggedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_cache_tagged_entries",
		Help: "The total number of last-access bumps written by the tag worker.",
	})
)

// SplitDigestPayload decodes the compact digest wire format: the
// concatenation of up to MaxKeysPerCall raw digests, each exactly the
// namespace algorithm's Size() bytes long.
func SplitDigestPayload(namespace string, payload []byte) ([]string, error) {
	size := hashing.ForNamespace(namespace).Size()

	if rem := len(payload) % size; rem != 0 {
		return nil, &cache.Error{
			Code: 400,
			Text: fmt.Sprintf(
				"Payload must be in increments of %d bytes, had %d bytes total, last chunk was of length %d",
				size, len(payload), rem),
		}
	}
	count := len(payload) / size
	if count > cache.MaxKeysPerCall {
		return nil, &cache.Error{
			Code: 400,
			Text: fmt.Sprintf(
				"Requested more than %d hash digests in a single request, aborting",
				cache.MaxKeysPerCall),
		}
	}

	digests := make([]string, count)
	for i := range digests {
		digests[i] = hex.EncodeToString(payload[i*size : (i+1)*size])
	}
	return digests, nil
}

// Contains answers a batched presence check: one response byte per
// payload digest, 0x01 when the entry exists. The raw digests of the
// hits are handed to the tag queue so their last-access stamps move to
// today; losing that task only ages the entries faster, so enqueue
// failures are logged and swallowed.
func (e *Engine) Contains(ctx context.Context, namespace string, payload []byte) ([]byte, error) {
	digests, err := SplitDigestPayload(namespace, payload)
	if err != nil {
		return nil, err
	}

	present, err := e.meta.ExistsBatch(ctx, namespace, digests)
	if err != nil {
		return nil, err
	}

	size := hashing.ForNamespace(namespace).Size()
	response := make([]byte, len(digests))
	var hits []byte
	for i, ok := range present {
		if !ok {
			containsMisses.Inc()
			continue
		}
		response[i] = 1
		hits = append(hits, payload[i*size:(i+1)*size]...)
		containsHits.Inc()
	}

	if len(hits) > 0 {
		task := cache.Task{
			Queue: cache.TagQueue,
			Path: fmt.Sprintf("/restricted/taskqueue/tag/%s/%s",
				namespace, cache.Today().Format("2006-01-02")),
			Payload: hits,
		}
		if err := e.scheduler.Enqueue(ctx, task); err != nil {
			e.errorLogger.Printf("Problem adding task to update last_access. " +
				"These objects may get deleted sooner than intended.")
		}
	}
	return response, nil
}

// Tag advances the last-access stamp of each payload digest to day.
// Stamps never move backward, so redelivered or delayed tag tasks are
// harmless. Digests without an entry are skipped; a presence hit may
// race an eviction.
func (e *Engine) Tag(ctx context.Context, namespace string, day time.Time, payload []byte) error {
	digests, err := SplitDigestPayload(namespace, payload)
	if err != nil {
		return err
	}
	day = cache.DayOf(day)

	loaded := make([]*cache.Entry, len(digests))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(tagConcurrency)
	for i, digest := range digests {
		i, digest := i, digest
		eg.Go(func() error {
			entry, err := e.meta.Get(gctx, cache.EntryKey{Namespace: namespace, Digest: digest})
			if err != nil {
				if cache.IsNotFound(err) {
					return nil
				}
				return err
			}
			loaded[i] = entry
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var stale []*cache.Entry
	for _, entry := range loaded {
		if entry == nil || !entry.LastAccess.Before(day) {
			continue
		}
		entry.LastAccess = day
		stale = append(stale, entry)
	}
	if len(stale) == 0 {
		return nil
	}

	if err := e.meta.PutMulti(ctx, stale); err != nil {
		return err
	}
	taggedEntries.Add(float64(len(stale)))
	e.accessLogger.Printf("Tagged %d of %d entries in %s", len(stale), len(digests), namespace)
	return nil
}
