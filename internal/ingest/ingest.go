// SPDX-License-Identifier: MIT

// Package ingest buffers high-frequency metric points and writes them to the
// tracking store in periodic batches, trading a bounded delay for far fewer
// store writes on hot logging paths.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/metrics"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// ErrQueueFull is returned by Enqueue when the buffer is at capacity. The
// caller should fall back to a synchronous write or surface backpressure.
var ErrQueueFull = errors.New("ingest: queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("ingest: stopped")

// BatchWriter is the subset of the tracking store the ingester needs.
type BatchWriter interface {
	LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.RunTag) error
}

type entry struct {
	runID  string
	metric tracking.Metric
}

// Options configures an Ingester.
type Options struct {
	// QueueSize bounds the number of buffered points.
	QueueSize int
	// FlushInterval is the period between automatic flushes.
	FlushInterval time.Duration
	// OnError is invoked when a flush batch fails after the points were
	// accepted. Optional.
	OnError func(runID string, count int, err error)
}

// Ingester is a bounded, periodically flushed metric buffer.
type Ingester struct {
	writer   BatchWriter
	log      zerolog.Logger
	interval time.Duration
	capacity int
	onError  func(runID string, count int, err error)

	mu      sync.Mutex
	buf     []entry
	stopped bool

	stop chan struct{}
	done chan struct{}
}

// New creates an ingester. Call Start to begin the flush loop.
func New(writer BatchWriter, opts Options) *Ingester {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	return &Ingester{
		writer:   writer,
		log:      xglog.WithComponent("ingest"),
		interval: opts.FlushInterval,
		capacity: opts.QueueSize,
		onError:  opts.OnError,
		buf:      make([]entry, 0, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (i *Ingester) Start() {
	go i.loop()
}

func (i *Ingester) loop() {
	defer close(i.done)
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			i.Flush(context.Background())
		case <-i.stop:
			// Drain whatever is left before exiting.
			i.Flush(context.Background())
			return
		}
	}
}

// Enqueue buffers one metric point. The point is validated before it is
// accepted so flush failures are limited to store-level errors.
func (i *Ingester) Enqueue(runID string, metric tracking.Metric) error {
	if err := tracking.ValidateRunID(runID); err != nil {
		return err
	}
	if err := tracking.ValidateMetric(metric); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return ErrStopped
	}
	if len(i.buf) >= i.capacity {
		metrics.IngestRejectedTotal.Inc()
		return ErrQueueFull
	}
	i.buf = append(i.buf, entry{runID: runID, metric: metric})
	metrics.IngestQueueDepth.Set(float64(len(i.buf)))
	return nil
}

// Depth reports the number of currently buffered points.
func (i *Ingester) Depth() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.buf)
}

// Flush writes all buffered points grouped per run. Points of a failed batch
// are dropped after the error hook fires; retrying indefinitely would let a
// poisoned run block the queue.
func (i *Ingester) Flush(ctx context.Context) {
	i.mu.Lock()
	if len(i.buf) == 0 {
		i.mu.Unlock()
		return
	}
	pending := i.buf
	i.buf = make([]entry, 0, i.capacity)
	metrics.IngestQueueDepth.Set(0)
	i.mu.Unlock()

	byRun := make(map[string][]tracking.Metric)
	order := make([]string, 0, 4)
	for _, e := range pending {
		if _, ok := byRun[e.runID]; !ok {
			order = append(order, e.runID)
		}
		byRun[e.runID] = append(byRun[e.runID], e.metric)
	}

	for _, runID := range order {
		points := byRun[runID]
		for start := 0; start < len(points); start += tracking.MaxBatchMetrics {
			end := min(start+tracking.MaxBatchMetrics, len(points))
			chunk := points[start:end]
			if err := i.writer.LogBatch(ctx, runID, chunk, nil, nil); err != nil {
				metrics.IngestFlushesTotal.WithLabelValues("error").Inc()
				i.log.Error().Err(err).
					Str(xglog.FieldRunID, runID).
					Int("count", len(chunk)).
					Msg("metric batch flush failed")
				if i.onError != nil {
					i.onError(runID, len(chunk), err)
				}
				continue
			}
			metrics.IngestFlushesTotal.WithLabelValues("ok").Inc()
		}
	}
}

// Stop drains the buffer and terminates the flush loop. Safe to call once.
func (i *Ingester) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	i.mu.Unlock()

	close(i.stop)
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
