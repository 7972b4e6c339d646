package gateway

import (
	"context"
	"time"

	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// SizeReporter reports the on-disk size of the store.
type SizeReporter interface {
	SizeBytes() (int64, error)
}

// DepthReporter reports the number of queued persistence jobs.
type DepthReporter interface {
	Depth() int
}

// Janitor performs periodic housekeeping: flushing credential usage,
// sweeping expired state, updating gauges.
type Janitor struct {
	gw       *Gateway
	store    SizeReporter
	queue    DepthReporter
	interval time.Duration
	log      zerolog.Logger
}

// NewJanitor creates a Janitor. store and queue may be nil.
func NewJanitor(gw *Gateway, store SizeReporter, queue DepthReporter, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		gw:       gw,
		store:    store,
		queue:    queue,
		interval: interval,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled. A final usage flush
// runs on the way out.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			j.gw.FlushUsage()
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	if n := j.gw.FlushUsage(); n > 0 {
		j.log.Debug().Int("count", n).Msg("janitor: flushed credential usage")
	}

	rep := j.gw.SweepExpired()
	if removed := rep.APIKeys + rep.AccessTokens + rep.Blacklist; removed > 0 {
		j.log.Info().
			Int("api_keys", rep.APIKeys).
			Int("access_tokens", rep.AccessTokens).
			Int("blacklist", rep.Blacklist).
			Msg("janitor: removed expired entries")
	}

	// Update DB size gauge
	if j.store != nil {
		size, err := j.store.SizeBytes()
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	// Update queue depth gauge
	if j.queue != nil {
		metrics.WorkerQueueDepth.Set(float64(j.queue.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
