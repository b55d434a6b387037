package cas

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/buildhive/artifact-cache/cache"
)

// ctxReader checks for cancellation on every chunk, so a deadline can
// interrupt a verification stream between reads even when the
// underlying reader is not context-aware.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Verify re-reads a bulk entry's stored bytes, recomputes the digest
// and either commits the expanded size or removes the entry together
// with its object. It is scheduled at-least-once after every bulk
// upload; the Verified guard makes redelivery a no-op.
//
// Verify returns nil for every terminal outcome, including mismatches:
// a non-nil return means the task should be retried, and corrupt
// content must never loop.
func (e *Engine) Verify(ctx context.Context, key cache.EntryKey) error {
	ctx, cancel := context.WithTimeout(ctx, e.verifyDeadline)
	defer cancel()

	entry, err := e.meta.Get(ctx, key)
	if err != nil {
		if cache.IsNotFound(err) {
			// Removed since the task was enqueued, likely by cleanup.
			e.errorLogger.Printf("Failed to find entity %s", key)
			verifyCount.WithLabelValues("missing_entry").Inc()
			return nil
		}
		return err
	}
	if entry.Verified() {
		e.accessLogger.Printf("Entry %s was already verified", key)
		verifyCount.WithLabelValues("already_verified").Inc()
		return nil
	}
	if entry.Inline() || entry.BulkName == "" {
		e.errorLogger.Printf("Verify should not be called with inline content, got %s", key)
		verifyCount.WithLabelValues("inline").Inc()
		return nil
	}

	capture := entry.HighPriority && entry.Size <= cache.MaxCachedSize

	var stored bytes.Buffer
	digest, expanded, err := func() (string, int64, error) {
		rc, err := e.bulk.Open(ctx, entry.BulkName)
		if err != nil {
			return "", 0, err
		}
		defer rc.Close()

		var src io.Reader = &ctxReader{ctx: ctx, r: rc}
		if capture {
			src = io.TeeReader(src, &stored)
		}
		return expandAndHash(key.Namespace, src)
	}()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The entry stays unverified; a later sweep re-schedules it.
			e.errorLogger.Printf("Verifying %s: got deadline exceeded, giving up", key)
			verifyCount.WithLabelValues("expired").Inc()
			return nil
		}
		if isCorruption(err) || cache.IsNotFound(err) {
			e.errorLogger.Printf("Unable to read %s back: %v", entry.BulkName, err)
			verifyCount.WithLabelValues("unreadable").Inc()
			return e.purgeEntry(ctx, entry)
		}
		// Transient read failure. Keep the entry and surface the error
		// so the task queue redelivers.
		e.errorLogger.Printf("Reading %s back failed, will retry: %v", entry.BulkName, err)
		verifyCount.WithLabelValues("transient").Inc()
		return err
	}

	if digest != key.Digest {
		e.errorLogger.Printf("Hash and data do not match, %d bytes (%d bytes expanded)",
			entry.Size, expanded)
		verifyCount.WithLabelValues("mismatch").Inc()
		return e.purgeEntry(ctx, entry)
	}

	entry.ExpandedSize = expanded
	if err := e.meta.Update(ctx, entry); err != nil {
		return err
	}
	verifyCount.WithLabelValues("verified").Inc()
	e.accessLogger.Printf("%d bytes (%d bytes expanded) verified", entry.Size, expanded)

	if capture && e.rcache != nil {
		e.rcache.Set(ctx, key, stored.Bytes())
	}
	return nil
}
