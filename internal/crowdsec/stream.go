package crowdsec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/rs/zerolog"
)

// ReasonPrefix marks blacklist entries owned by the stream. Deleted
// decisions only remove entries carrying it.
const ReasonPrefix = "crowdsec:"

// Target is the blacklist surface the stream mutates.
type Target interface {
	BlockIPFor(ip, reason string, ttl time.Duration) (model.BlacklistEntry, error)
	UnblockIP(ip string) (bool, error)
	BlacklistEntry(ip string) (model.BlacklistEntry, bool)
}

// Config configures the LAPI connection.
type Config struct {
	URL          string
	APIKey       string
	VerifyTLS    bool
	PollInterval time.Duration
	UserAgent    string
	Filter       FilterConfig
}

// Stream consumes the LAPI decision stream.
type Stream struct {
	target Target
	filter FilterConfig
	log    zerolog.Logger
	bnc    *csbouncer.StreamBouncer
}

// NewStream builds a Stream. Init must be called before Run.
func NewStream(cfg Config, target Target, log zerolog.Logger) *Stream {
	skipVerify := !cfg.VerifyTLS
	return &Stream{
		target: target,
		filter: cfg.Filter,
		log:    log.With().Str("component", "crowdsec").Logger(),
		bnc: &csbouncer.StreamBouncer{
			APIKey:              cfg.APIKey,
			APIUrl:              cfg.URL,
			TickerInterval:      cfg.PollInterval.String(),
			InsecureSkipVerify:  &skipVerify,
			UserAgent:           cfg.UserAgent,
			RetryInitialConnect: true,
		},
	}
}

// Init validates the configuration and prepares the LAPI client.
func (s *Stream) Init() error {
	if err := s.bnc.Init(); err != nil {
		return fmt.Errorf("init CrowdSec stream: %w", err)
	}
	return nil
}

// Run reads decisions until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	// Run returns when ctx is cancelled
	go s.bnc.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case decisions, ok := <-s.bnc.Stream:
			if !ok {
				return errors.New("CrowdSec stream closed")
			}
			s.Apply(decisions)
		}
	}
}

// Apply processes one stream response: deletions first, then new bans.
func (s *Stream) Apply(resp *models.DecisionsStreamResponse) {
	if resp == nil {
		return
	}
	for _, d := range resp.Deleted {
		r := Filter(d, s.filter, true, s.log)
		if !r.Passed {
			continue
		}
		entry, ok := s.target.BlacklistEntry(r.Value)
		if !ok || !strings.HasPrefix(entry.Reason, ReasonPrefix) {
			continue
		}
		if _, err := s.target.UnblockIP(r.Value); err != nil {
			s.log.Warn().Err(err).Str("ip", r.Value).Msg("unblock failed")
			continue
		}
		metrics.CrowdSecDecisions.WithLabelValues("delete", r.Origin).Inc()
	}

	for _, d := range resp.New {
		r := Filter(d, s.filter, false, s.log)
		if !r.Passed {
			continue
		}
		if _, err := s.target.BlockIPFor(r.Value, ReasonPrefix+r.Scenario, r.Duration); err != nil {
			s.log.Warn().Err(err).Str("ip", r.Value).Msg("block failed")
			continue
		}
		metrics.CrowdSecDecisions.WithLabelValues("ban", r.Origin).Inc()
	}
}
