package metrics

import (
	"errors"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions  *promclient.CounterVec
	published    *promclient.CounterVec
	consumed     *promclient.CounterVec
	contracts    *promclient.CounterVec
	lookups      *promclient.CounterVec
	breakerState *promclient.GaugeVec
}

// New registers the collectors against reg, reusing ones that are already registered.
func New(namespace string, reg promclient.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "insurance"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	m := &Metrics{
		transitions: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_transitions_total",
			Help:      "Proposal status transitions by target status.",
		}, []string{"status"}),
		published: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Integration events published to the broker by result.",
		}, []string{"result"}),
		consumed: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Broker deliveries handled by outcome.",
		}, []string{"outcome"}),
		contracts: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "contracts_created_total",
			Help:      "Contract creation attempts by outcome.",
		}, []string{"outcome"}),
		lookups: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_lookups_total",
			Help:      "Proposal verification calls by outcome.",
		}, []string{"outcome"}),
		breakerState: promclient.NewGaugeVec(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "proposal_client_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}
	var err error
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.published, err = register(reg, m.published); err != nil {
		return nil, err
	}
	if m.consumed, err = register(reg, m.consumed); err != nil {
		return nil, err
	}
	if m.contracts, err = register(reg, m.contracts); err != nil {
		return nil, err
	}
	if m.lookups, err = register(reg, m.lookups); err != nil {
		return nil, err
	}
	if m.breakerState, err = register(reg, m.breakerState); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C promclient.Collector](reg promclient.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

func (m *Metrics) ProposalTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) EventPublished(err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) MessageConsumed(outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ContractCreated(outcome string) {
	if m == nil {
		return
	}
	m.contracts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProposalLookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
