package proposalclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/metrics"
	insurancesdk "github.com/lfrezen/insurance/sdk/go"
)

// Getter fetches a proposal from the proposal service.
type Getter interface {
	GetProposal(ctx context.Context, id string) (insurancesdk.Proposal, error)
}

type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// BaseDelay is the first retry delay; each later delay doubles.
	BaseDelay time.Duration
	// RetryNotFound retries 404s, covering reads that race the proposal's commit.
	RetryNotFound   bool
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		RetryNotFound:   true,
		BreakerFailures: 5,
		BreakerOpen:     30 * time.Second,
	}
}

// NewBackOff returns the retry schedule: BaseDelay, then doubling, MaxRetries times, no jitter.
func NewBackOff(cfg Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.BaseDelay << cfg.MaxRetries
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, cfg.MaxRetries)
}

// Verifier fetches proposals with retry around a circuit breaker. It never panics on
// exhaustion; it returns a typed domain error.
type Verifier struct {
	getter  Getter
	cfg     Config
	breaker *gobreaker.CircuitBreaker[insurancesdk.Proposal]

	backOff func() backoff.BackOff
	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Verifier)

func WithLogger(l *slog.Logger) Option { return func(v *Verifier) { v.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(v *Verifier) { v.metrics = m } }

func NewVerifier(getter Getter, cfg Config, opts ...Option) *Verifier {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = def.BreakerOpen
	}
	v := &Verifier{getter: getter, cfg: cfg, log: logging.Discard()}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.With("component", "proposal_client")
	v.backOff = func() backoff.BackOff { return NewBackOff(v.cfg) }
	v.breaker = gobreaker.NewCircuitBreaker[insurancesdk.Proposal](gobreaker.Settings{
		Name:        "proposal-service",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= v.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			v.log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			v.metrics.BreakerState(name, breakerGauge(to))
		},
		IsSuccessful: func(err error) bool { return !isBreakerFailure(err) },
	})
	v.metrics.BreakerState("proposal-service", 0)
	return v
}

// State reports the breaker state, for health output.
func (v *Verifier) State() string {
	return v.breaker.State().String()
}

// GetProposal returns the proposal's id and status.
func (v *Verifier) GetProposal(ctx context.Context, id string) (domain.ProposalSnapshot, error) {
	attempt := 0
	op := func() (insurancesdk.Proposal, error) {
		attempt++
		p, err := v.breaker.Execute(func() (insurancesdk.Proposal, error) {
			return v.getter.GetProposal(ctx, id)
		})
		switch {
		case err == nil:
			return p, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return p, backoff.Permanent(domain.Wrap(domain.KindCircuitOpen, err, "proposal service circuit open"))
		case ctx.Err() != nil, !v.retryable(err):
			return p, backoff.Permanent(err)
		default:
			return p, err
		}
	}
	notify := func(err error, wait time.Duration) {
		v.log.Warn("proposal lookup failed; retrying", "proposal_id", id, "attempt", attempt, "wait", wait, "err", err)
	}
	p, err := backoff.RetryNotifyWithData(op, backoff.WithContext(v.backOff(), ctx), notify)
	if err != nil {
		typed := classify(id, err)
		v.metrics.ProposalLookup(string(typed.Kind))
		return domain.ProposalSnapshot{}, typed
	}
	if p.ID != id {
		v.metrics.ProposalLookup(string(domain.KindUnexpected))
		return domain.ProposalSnapshot{}, domain.Errorf(domain.KindUnexpected, "proposal service answered for %q when asked for %q", p.ID, id)
	}
	status, err := domain.ParseStatus(p.Status)
	if err != nil {
		v.metrics.ProposalLookup(string(domain.KindUnexpected))
		return domain.ProposalSnapshot{}, domain.Wrap(domain.KindUnexpected, err, "proposal service returned unknown status")
	}
	v.metrics.ProposalLookup("ok")
	return domain.ProposalSnapshot{ID: p.ID, Status: status}, nil
}

func (v *Verifier) retryable(err error) bool {
	var decodeErr *insurancesdk.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	switch code := insurancesdk.StatusCode(err); {
	case code == 0:
		return true
	case code == http.StatusNotFound:
		return v.cfg.RetryNotFound
	case code == http.StatusTooManyRequests, code >= 500:
		return true
	default:
		return false
	}
}

// isBreakerFailure counts transport errors and 5xx. 404s and caller cancellation are
// not the peer's fault.
func isBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var decodeErr *insurancesdk.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	code := insurancesdk.StatusCode(err)
	return code == 0 || code >= 500
}

func classify(id string, err error) *domain.Error {
	var typed *domain.Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.KindTransient, err, "proposal lookup interrupted")
	}
	var decodeErr *insurancesdk.DecodeError
	if errors.As(err, &decodeErr) {
		return domain.Wrap(domain.KindUnexpected, err, "proposal service returned an undecodable body")
	}
	switch code := insurancesdk.StatusCode(err); {
	case code == http.StatusNotFound:
		return domain.Errorf(domain.KindNotFound, "proposal %s not found", id)
	case code == 0, code == http.StatusTooManyRequests, code >= 500:
		return domain.Wrap(domain.KindTransient, err, "proposal service unavailable")
	default:
		return domain.Wrap(domain.KindUnexpected, err, "proposal service rejected the request")
	}
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
