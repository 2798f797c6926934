package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Sink persists batches of usage records.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Sink          Sink
	Sampling      Sampling
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
	// Dropped counts records discarded because the buffer was full.
	Dropped prometheus.Counter
}

// Recorder records decisions out of band. Record never blocks the caller: a
// full buffer drops the record. Delivery order is not guaranteed.
type Recorder struct {
	sink          Sink
	sampling      Sampling
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration
	logger        *slog.Logger
	dropped       prometheus.Counter

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewRecorder starts a recorder draining into cfg.Sink.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Sink == nil {
		return nil, errors.New("usage: recorder requires a sink")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Sampling == "" {
		cfg.Sampling = SampleAll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Recorder{
		sink:          cfg.Sink,
		sampling:      cfg.Sampling,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		writeTimeout:  cfg.WriteTimeout,
		logger:        cfg.Logger,
		dropped:       cfg.Dropped,
		queue:         make(chan Record, cfg.Buffer),
		done:          make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Observe implements rbac.DecisionObserver.
func (r *Recorder) Observe(req rbac.EvaluationRequest, res rbac.EvaluationResult) {
	r.Record(FromDecision(req, res))
}

// Record enqueues rec and reports whether it was accepted. Records filtered
// by sampling count as accepted.
func (r *Recorder) Record(rec Record) bool {
	if !r.sampling.keep(rec) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "recorder closed")
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.drop(rec, "buffer full")
		return false
	}
}

func (r *Recorder) drop(rec Record, cause string) {
	if r.dropped != nil {
		r.dropped.Inc()
	}
	r.logger.Warn("usage record dropped",
		slog.String("cause", cause),
		slog.String("resource_type", rec.ResourceType),
		slog.String("resource_key", rec.ResourceKey),
	)
}

// Close stops accepting records and waits for the buffer to drain or ctx to
// end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	batch := make([]Record, 0, r.batchSize)
	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = make([]Record, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]Record, 0, r.batchSize)
			}
		}
	}
}

func (r *Recorder) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, batch); err != nil {
		if r.dropped != nil {
			r.dropped.Add(float64(len(batch)))
		}
		r.logger.Error("usage sink write", slog.Int("records", len(batch)), slog.Any("error", err))
	}
}
