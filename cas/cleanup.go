package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/buildhive/artifact-cache/cache"
)

// maxInflightDeletes caps the number of pending asynchronous delete
// batches during a cleanup scan. Reaching the cap awaits the oldest
// batch, which bounds memory however long the scan runs.
const maxInflightDeletes = 10

// uploadGrace shields young bulk objects from the orphan sweep; they
// may belong to an upload whose entry is not finalized yet.
const uploadGrace = time.Hour

// triggerTimeFormat stamps trigger task names at second precision so a
// burst of triggers within one second collapses into a single task.
// The hour is on a 12-hour clock, matching names produced by earlier
// deployments.
const triggerTimeFormat = "2006-01-02_03-04-05"

// Cleanup job names accepted by the trigger endpoint.
const (
	CleanupJobOld        = "old"
	CleanupJobTesting    = "testing"
	CleanupJobObliterate = "obliterate"
	CleanupJobOrphaned   = "orphaned"
)

func validCleanupJob(job string) bool {
	switch job {
	case CleanupJobOld, CleanupJobTesting, CleanupJobObliterate, CleanupJobOrphaned:
		return true
	}
	return false
}

// TriggerCleanup schedules one cleanup job on the cleanup queue and
// returns the text for the trigger response.
func (e *Engine) TriggerCleanup(ctx context.Context, job string) (string, error) {
	if !validCleanupJob(job) {
		return "", &cache.Error{Code: 404, Text: "Unknown job"}
	}

	url := "/restricted/taskqueue/cleanup/" + job
	task := cache.Task{
		Queue: cache.CleanupQueue,
		Name:  job + "_" + time.Now().UTC().Format(triggerTimeFormat),
		Path:  url,
	}
	if err := e.scheduler.Enqueue(ctx, task); err != nil {
		return "", &cache.Error{
			Code: 500,
			Text: fmt.Sprintf("Unable to trigger a cleanup task: %s", err),
		}
	}
	return "Triggered " + url, nil
}

// deleteBacklog is the bounded in-flight set of asynchronous delete
// batches shared by the cleanup scans.
type deleteBacklog struct {
	handles []*cache.DeleteHandle
}

// push registers a new batch, first awaiting the oldest one when the
// cap is reached.
func (b *deleteBacklog) push(h *cache.DeleteHandle) error {
	if len(b.handles) >= maxInflightDeletes {
		oldest := b.handles[0]
		b.handles = b.handles[1:]
		if err := oldest.Wait(); err != nil {
			return err
		}
	}
	b.handles = append(b.handles, h)
	return nil
}

func (b *deleteBacklog) drain() error {
	var firstErr error
	for _, h := range b.handles {
		if err := h.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.handles = nil
	return firstErr
}

// incrementalDelete walks a scan, deleting each chunk of entries
// asynchronously and their bulk objects alongside. It returns the
// number of entries it deleted.
func (e *Engine) incrementalDelete(ctx context.Context, scanner cache.EntryScanner) (int, error) {
	backlog := &deleteBacklog{}
	deleted := 0
	for {
		records, err := scanner.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if derr := backlog.drain(); derr != nil {
				e.errorLogger.Printf("Unable to finish deleting entries: %v", derr)
			}
			return deleted, err
		}

		keys := make([]cache.EntryKey, len(records))
		var objects []string
		for i, rec := range records {
			keys[i] = rec.Key
			if rec.BulkName != "" {
				objects = append(objects, rec.BulkName)
			}
		}
		if err := backlog.push(e.meta.DeleteMany(keys)); err != nil {
			return deleted, err
		}
		e.deleteObjects(ctx, objects)
		deleted += len(keys)
	}

	if err := backlog.drain(); err != nil {
		return deleted, err
	}
	deletedEntries.Add(float64(deleted))
	return deleted, nil
}

// CleanupOld evicts entries whose last access is older than the
// configured retention. It reports whether any were found.
func (e *Engine) CleanupOld(ctx context.Context) (bool, error) {
	cutoff := cache.Today().AddDate(0, 0, -e.retentionDays)
	deleted, err := e.incrementalDelete(ctx, e.meta.Scan(ctx, cache.ScanFilter{
		LastAccessBefore: cutoff,
	}))
	if err != nil {
		return deleted > 0, err
	}
	e.accessLogger.Printf("Deleted %d entries not accessed since %s",
		deleted, cutoff.Format("2006-01-02"))
	return deleted > 0, nil
}

// CleanupTesting evicts day-old entries from testing namespaces and
// drops namespace rows that have become empty. A namespace whose
// entries are still being deleted asynchronously elsewhere is left for
// the next run.
func (e *Engine) CleanupTesting(ctx context.Context) error {
	namespaces, err := e.meta.TestingNamespaces(ctx)
	if err != nil {
		return err
	}
	cutoff := cache.Today().AddDate(0, 0, -1)

	var empty []string
	for _, namespace := range namespaces {
		deleted, err := e.incrementalDelete(ctx, e.meta.Scan(ctx, cache.ScanFilter{
			Namespace:        namespace,
			LastAccessBefore: cutoff,
		}))
		if err != nil {
			return err
		}
		if deleted > 0 {
			e.accessLogger.Printf("Deleted %d testing entries from %s", deleted, namespace)
		}

		hasEntries, err := e.namespaceHasEntries(ctx, namespace)
		if err != nil {
			return err
		}
		if !hasEntries {
			empty = append(empty, namespace)
		}
	}

	if len(empty) > 0 {
		if err := e.meta.DeleteNamespaces(empty).Wait(); err != nil {
			return err
		}
		e.accessLogger.Printf("Deleted %d empty testing namespaces", len(empty))
	}
	return nil
}

func (e *Engine) namespaceHasEntries(ctx context.Context, namespace string) (bool, error) {
	_, err := e.meta.Scan(ctx, cache.ScanFilter{Namespace: namespace}).Next(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Obliterate wipes the store: every entry, then every namespace row,
// then every bulk object, then the read cache. Disaster reset, not
// routine cleanup.
func (e *Engine) Obliterate(ctx context.Context) error {
	deleted, err := e.incrementalDelete(ctx, e.meta.Scan(ctx, cache.ScanFilter{}))
	if err != nil {
		return err
	}
	e.accessLogger.Printf("Obliterated %d entries", deleted)

	namespaces, err := e.meta.AllNamespaces(ctx)
	if err != nil {
		return err
	}
	if len(namespaces) > 0 {
		if err := e.meta.DeleteNamespaces(namespaces).Wait(); err != nil {
			return err
		}
	}

	if err := e.deleteAllObjects(ctx); err != nil {
		return err
	}

	if e.rcache != nil {
		if err := e.rcache.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deleteAllObjects(ctx context.Context) error {
	scanner := e.bulk.List(ctx, "")
	for {
		page, err := scanner.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, cache.ErrListUnsupported) {
			e.errorLogger.Printf("Unable to list bulk objects, skipping the object wipe: %v", err)
			return nil
		}
		if err != nil {
			return err
		}
		names := make([]string, len(page))
		for i, info := range page {
			names[i] = info.Name
		}
		e.deleteObjects(ctx, names)
	}
}

// CleanupOrphans removes bulk objects no entry references: losers of
// duplicate uploads, leftovers of failed ingests and leaks from
// best-effort deletes. Objects younger than the upload grace window
// are skipped.
func (e *Engine) CleanupOrphans(ctx context.Context) error {
	cutoff := time.Now().Add(-uploadGrace)
	scanner := e.bulk.List(ctx, "")
	orphans := 0
	for {
		page, err := scanner.Next(ctx)
		if err == io.EOF {
			break
		}
		if errors.Is(err, cache.ErrListUnsupported) {
			e.errorLogger.Printf("Unable to list bulk objects, skipping the orphan sweep: %v", err)
			return nil
		}
		if err != nil {
			return err
		}

		var batch []string
		for _, info := range page {
			if info.ModTime.After(cutoff) {
				continue
			}
			orphan, err := e.isOrphan(ctx, info.Name)
			if err != nil {
				return err
			}
			if !orphan {
				continue
			}
			batch = append(batch, info.Name)
			if len(batch) == cache.DeleteBatchSize {
				e.deleteObjects(ctx, batch)
				orphans += len(batch)
				batch = nil
			}
		}
		e.deleteObjects(ctx, batch)
		orphans += len(batch)
	}
	e.accessLogger.Printf("Deleted %d orphaned objects", orphans)
	return nil
}

func (e *Engine) isOrphan(ctx context.Context, name string) (bool, error) {
	key, ok := ParseBulkName(name)
	if !ok {
		// Not a name this service generates; nothing can reference it.
		return true, nil
	}
	entry, err := e.meta.Get(ctx, key)
	if err != nil {
		if cache.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return entry.BulkName != name, nil
}
