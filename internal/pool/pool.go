// Package pool runs persistence jobs off the admission path. Enqueue never
// blocks; a full queue drops the job and counts it.
//
// Each worker owns a queue. Jobs are routed by record (kind plus id), so
// writes to the same record are applied in the order they were enqueued.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Job kinds.
const (
	KindAPIKey      = "api_key"
	KindAccessToken = "access_token"
	KindBlacklist   = "blacklist"
	KindPolicies    = "policies"
	KindLimiters    = "limiters"
	KindRules       = "alert_rules"
	KindAudit       = "audit"
	KindAuditPrune  = "audit_prune"
)

// Job actions.
const (
	ActionSave   = "save"
	ActionDelete = "delete"
)

// Job is a unit of persistence work.
type Job struct {
	Kind   string
	Action string
	// ID addresses the record for deletes (key id, token id, IP).
	ID string
	// Payload is the record to save; its type depends on Kind.
	Payload any
}

// routingKey groups jobs that touch the same record.
func (j Job) routingKey() string {
	return j.Kind + "/" + j.ID
}

// JobHandler applies one Job. A non-nil error makes the pool retry it.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration.
type Config struct {
	Workers int
	// QueueDepth is the total buffer, split evenly across workers.
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

const maxBackoff = time.Minute

// Pool is a set of workers, each draining its own bounded queue.
type Pool struct {
	cfg     Config
	queues  []chan Job
	handler JobHandler
	log     zerolog.Logger
	wg      sync.WaitGroup

	// mu guards closed so Enqueue never sends on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// New creates a Pool. Workers must be 1-64; QueueDepth defaults to 4096 and
// RetryBase to 1s.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	perWorker := (cfg.QueueDepth + cfg.Workers - 1) / cfg.Workers
	queues := make([]chan Job, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan Job, perWorker)
	}
	return &Pool{
		cfg:     cfg,
		queues:  queues,
		handler: handler,
		log:     log,
	}, nil
}

// Start launches one goroutine per queue. ctx bounds worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
}

// Enqueue routes job to its worker without blocking. Returns false if that
// worker's queue is full or the pool is stopped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.JobsDropped.WithLabelValues("stopped").Inc()
		return false
	}
	q := p.queues[xxhash.Sum64String(job.routingKey())%uint64(len(p.queues))]
	select {
	case q <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Kind).Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Str("kind", job.Kind).Str("action", job.Action).Str("id", job.ID).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes every queue and waits for the workers to drain them.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Depth returns the number of pending jobs across all queues.
func (p *Pool) Depth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pool) worker(ctx context.Context, id int, q <-chan Job) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(p.Depth()))
			p.process(ctx, job, log)
		}
	}
}

// process runs the handler, retrying inline with exponential backoff so
// later jobs on the same queue wait for this one.
func (p *Pool) process(ctx context.Context, job Job, log zerolog.Logger) {
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt - 1)
			log.Warn().Err(err).Str("kind", job.Kind).Str("id", job.ID).Int("attempt", attempt).
				Dur("backoff", wait).Msg("retrying job")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.JobsProcessed.WithLabelValues(job.Kind, "error").Inc()
				return
			case <-timer.C:
			}
			metrics.JobsProcessed.WithLabelValues(job.Kind, "retried").Inc()
		}

		if err = p.handler(ctx, job); err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Kind, "success").Inc()
			return
		}
	}
	metrics.JobsProcessed.WithLabelValues(job.Kind, "error").Inc()
	log.Error().Err(err).Str("kind", job.Kind).Str("id", job.ID).
		Int("max_retries", p.cfg.MaxRetries).Msg("job failed: max retries exceeded")
}

// backoff doubles RetryBase per retry, capped at one minute.
func (p *Pool) backoff(retries int) time.Duration {
	if retries >= 30 {
		return maxBackoff
	}
	d := p.cfg.RetryBase << retries
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
