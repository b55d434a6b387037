// Package taskq runs the service's background work: named queues of
// tasks that are delivered back to the service itself as HTTP POSTs,
// marked with the queue request header. Delivery is at-least-once with
// exponential backoff.
package taskq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/buildhive/artifact-cache/cache"
)

// QueueHeader marks requests dispatched by a task queue worker. Task
// endpoints reject requests without it.
const QueueHeader = "X-Task-Queue"

const (
	maxAttempts = 5
	baseBackoff = time.Second

	// dedupWindow is how long a task name stays tombstoned. Re-enqueueing
	// the same name inside the window fails with ErrTaskExists, even
	// after the task has run.
	dedupWindow = 7 * 24 * time.Hour

	// dispatchTimeout is a backstop only. Task endpoints are expected to
	// enforce their own, tighter deadlines.
	dispatchTimeout = 15 * time.Minute
)

var errStopped = errors.New("task scheduler has been stopped")

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "artifact_cache_taskqueue_depth",
		Help: "The number of tasks waiting in each queue.",
	}, []string{"queue"})
	taskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_cache_taskqueue_failures",
		Help: "The total number of tasks dropped after exhausting retries.",
	}, []string{"queue"})
)

// Scheduler implements cache.Scheduler by running worker goroutines
// against in-process queues.
type Scheduler struct {
	baseURL string
	remote  *http.Client

	accessLogger cache.Logger
	errorLogger  cache.Logger

	mu        sync.Mutex
	tombstone map[string]time.Time

	queues map[string]chan cache.Task
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New starts workers goroutines per queue, each dispatching tasks to
// baseURL (the service's own listen address) through remote.
func New(baseURL string, remote *http.Client, workers int, depth int,
	accessLogger cache.Logger, errorLogger cache.Logger) *Scheduler {

	s := &Scheduler{
		baseURL:      baseURL,
		remote:       remote,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
		tombstone:    make(map[string]time.Time),
		queues:       make(map[string]chan cache.Task),
		quit:         make(chan struct{}),
	}

	for _, queue := range []string{cache.CleanupQueue, cache.VerifyQueue, cache.TagQueue} {
		ch := make(chan cache.Task, depth)
		s.queues[queue] = ch
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			go s.worker(queue, ch)
		}
	}
	return s
}

// Enqueue queues t for execution. It blocks while t's queue is full and
// fails with ErrTaskExists when t carries a name enqueued within the
// deduplication window.
func (s *Scheduler) Enqueue(ctx context.Context, t cache.Task) error {
	ch, ok := s.queues[t.Queue]
	if !ok {
		return fmt.Errorf("unknown task queue %q", t.Queue)
	}

	if t.Name != "" {
		if !s.claimName(t.Name) {
			return cache.ErrTaskExists
		}
	}

	select {
	case ch <- t:
		queueDepth.WithLabelValues(t.Queue).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return errStopped
	}
}

// claimName reserves name, reporting false when it is already held.
// Names stay reserved for the whole dedup window.
func (s *Scheduler) claimName(name string) bool {
	now := time.Now()
	cutoff := now.Add(-dedupWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	for n, stamp := range s.tombstone {
		if stamp.Before(cutoff) {
			delete(s.tombstone, n)
		}
	}
	if _, held := s.tombstone[name]; held {
		return false
	}
	s.tombstone[name] = now
	return true
}

// Stop rejects further Enqueue calls, drains the queued tasks and waits
// for the workers to finish. During the drain each remaining task gets a
// single delivery attempt, without retry backoff.
func (s *Scheduler) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Scheduler) worker(queue string, ch chan cache.Task) {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.drain(queue, ch)
			return
		case t := <-ch:
			queueDepth.WithLabelValues(queue).Dec()
			s.run(t)
		}
	}
}

func (s *Scheduler) drain(queue string, ch chan cache.Task) {
	for {
		select {
		case t := <-ch:
			queueDepth.WithLabelValues(queue).Dec()
			s.run(t)
		default:
			return
		}
	}
}

func (s *Scheduler) run(t cache.Task) {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-s.quit:
				return
			}
		}
		err = s.dispatch(t)
		if err == nil {
			return
		}
		s.errorLogger.Printf("TASKQ %s %s attempt %d: %v", t.Queue, t.Path, attempt+1, err)
	}
	taskFailures.WithLabelValues(t.Queue).Inc()
	s.errorLogger.Printf("TASKQ giving up on %s %s: %v", t.Queue, t.Path, err)
}

func (s *Scheduler) dispatch(t cache.Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+t.Path,
		bytes.NewReader(t.Payload))
	if err != nil {
		return err
	}
	req.Header.Set(QueueHeader, t.Queue)
	req.Header.Set("Content-Type", "application/json")

	rsp, err := s.remote.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, rsp.Body)
	rsp.Body.Close()

	s.accessLogger.Printf("TASKQ %s POST %s %d", t.Queue, t.Path, rsp.StatusCode)
	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		return fmt.Errorf("task endpoint returned %s", rsp.Status)
	}
	return nil
}
