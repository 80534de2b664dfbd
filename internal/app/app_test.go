package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/lfrezen/insurance/internal/config"
	"github.com/lfrezen/insurance/internal/contract"
	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/messaging"
	"github.com/lfrezen/insurance/internal/migrate"
	"github.com/lfrezen/insurance/internal/proposal"
	"github.com/lfrezen/insurance/internal/proposalclient"
	"github.com/lfrezen/insurance/internal/server"
	insurancesdk "github.com/lfrezen/insurance/sdk/go"
)

// loopback records what the publisher sends so the test can deliver it by hand.
type loopback struct {
	mu   sync.Mutex
	sent []amqp.Publishing
	keys []string
	err  error
}

func (l *loopback) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, msg)
	l.keys = append(l.keys, key)
	return nil
}

func (l *loopback) Close() error { return nil }

func (l *loopback) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *loopback) lastKey() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.keys) == 0 {
		return ""
	}
	return l.keys[len(l.keys)-1]
}

func (l *loopback) take() []amqp.Publishing {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

type acker struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *acker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *acker) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *acker) Reject(uint64, bool) error { return a.Nack(0, false, false) }

type stack struct {
	rt        *Runtime
	bus       *loopback
	proposals *insurancesdk.Client
	contracts *insurancesdk.Client
	consumer  *messaging.Consumer
	flush     func(ctx context.Context) (int, error)
}

func newStack(t *testing.T) stack {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "e2e-secret"
	cfg.ProposalClient.BaseDelay = 5 * time.Millisecond
	cfg.ProposalClient.Timeout = 2 * time.Second
	rt, err := New(cfg, io.Discard)
	require.NoError(t, err)
	dir := t.TempDir()

	cfg.Database.DSN = filepath.Join(dir, "proposals.db")
	pr, err := rt.OpenStore(migrate.Proposals)
	require.NoError(t, err)
	t.Cleanup(func() { pr.DB.Close() })
	bus := &loopback{}
	pub := messaging.NewPublisher(bus, cfg.Broker.Exchange)
	pub.Metrics = rt.Metrics
	relay := rt.NewRelay(pr, pub)
	psvc := proposal.NewService(pr, relay)
	psvc.Metrics = rt.Metrics
	ph, err := server.NewProposalAPI(server.ProposalConfig{Config: rt.serverConfig(nil), Service: psvc})
	require.NoError(t, err)
	proposalSrv := httptest.NewServer(ph)
	t.Cleanup(proposalSrv.Close)

	cfg.ProposalClient.BaseURL = proposalSrv.URL
	cfg.Database.DSN = filepath.Join(dir, "contracts.db")
	cr, err := rt.OpenStore(migrate.Contracts)
	require.NoError(t, err)
	t.Cleanup(func() { cr.DB.Close() })
	csvc := contract.NewService(cr, rt.NewVerifier())
	csvc.Metrics = rt.Metrics
	ch, err := server.NewContractAPI(server.ContractConfig{Config: rt.serverConfig(nil), Service: csvc})
	require.NoError(t, err)
	contractSrv := httptest.NewServer(ch)
	t.Cleanup(contractSrv.Close)

	tokens := proposalclient.TokenSource(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Minute, nil)
	pc := insurancesdk.New(proposalSrv.URL)
	pc.TokenSource = tokens
	cc := insurancesdk.New(contractSrv.URL)
	cc.TokenSource = tokens

	return stack{
		rt:        rt,
		bus:       bus,
		proposals: pc,
		contracts: cc,
		consumer:  messaging.NewConsumer(nil, rt.Topology(), csvc),
		flush:     relay.Flush,
	}
}

func newProposal(t *testing.T, c *insurancesdk.Client) insurancesdk.Proposal {
	t.Helper()
	p, err := c.CreateProposal(context.Background(), insurancesdk.ProposalInput{
		FullName:      "Ana Souza",
		NationalID:    "52998224725",
		Email:         "ana@example.com",
		CoverageType:  "residencial",
		InsuredAmount: 250000,
	})
	require.NoError(t, err)
	return p
}

func deliver(s stack, msg amqp.Publishing, a *acker) messaging.Outcome {
	return s.consumer.Handle(context.Background(), amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  1,
		MessageId:    msg.MessageId,
		ContentType:  msg.ContentType,
		Body:         msg.Body,
	})
}

func TestApprovalFlowCreatesExactlyOneContract(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	p := newProposal(t, s.proposals)
	require.Equal(t, "UnderReview", p.Status)
	require.Equal(t, "Residencial", p.CoverageType)

	approved, err := s.proposals.ChangeProposalStatus(ctx, p.ID, "Approved")
	require.NoError(t, err)
	require.Equal(t, "Approved", approved.Status)

	sent := s.bus.take()
	require.Len(t, sent, 1)
	require.Equal(t, domain.RoutingKeyProposalApproved, s.bus.lastKey())
	require.Equal(t, amqp.Persistent, sent[0].DeliveryMode)
	require.NotEmpty(t, sent[0].MessageId)

	// Nothing is left for the relay.
	n, err := s.flush(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	a := &acker{}
	require.Equal(t, messaging.OutcomeAcked, deliver(s, sent[0], a))
	require.Equal(t, messaging.OutcomeDuplicate, deliver(s, sent[0], a))
	require.Equal(t, 2, a.acks)
	require.Zero(t, a.nacks)

	_, err = s.contracts.CreateContract(ctx, p.ID)
	var apiErr *insurancesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, string(domain.KindAlreadyContracted), apiErr.Code)

	list, err := s.contracts.ListContracts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, p.ID, list[0].ProposalID)

	got, err := s.contracts.GetContract(ctx, list[0].ID)
	require.NoError(t, err)
	require.Equal(t, list[0].ID, got.ID)
}

func TestRelayRepublishesAfterBrokerFailure(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	p := newProposal(t, s.proposals)
	s.bus.fail(errors.New("broker down"))
	_, err := s.proposals.ChangeProposalStatus(ctx, p.ID, "approved")
	require.NoError(t, err, "approval must succeed even if publishing fails")
	require.Empty(t, s.bus.take())

	s.bus.fail(nil)
	n, err := s.flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	sent := s.bus.take()
	require.Len(t, sent, 1)

	require.Equal(t, messaging.OutcomeAcked, deliver(s, sent[0], &acker{}))
}

func TestContractRejectedForUnapprovedOrUnknownProposals(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	p := newProposal(t, s.proposals)
	_, err := s.contracts.CreateContract(ctx, p.ID)
	var apiErr *insurancesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, string(domain.KindNotApproved), apiErr.Code)
	require.Contains(t, apiErr.Message, "UnderReview")

	_, err = s.proposals.ChangeProposalStatus(ctx, p.ID, "Rejected")
	require.NoError(t, err)
	require.Empty(t, s.bus.take())
	_, err = s.contracts.CreateContract(ctx, p.ID)
	require.True(t, errors.As(err, &apiErr))
	require.Contains(t, apiErr.Message, "Rejected")

	_, err = s.contracts.CreateContract(ctx, uuid.NewString())
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, string(domain.KindProposalNotFound), apiErr.Code)

	list, err := s.contracts.ListContracts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMalformedDeliveryIsDeadLettered(t *testing.T) {
	s := newStack(t)
	a := &acker{}
	require.Equal(t, messaging.OutcomeMalformed, deliver(s, amqp.Publishing{Body: []byte(`{"proposal":`)}, a))
	require.Equal(t, 1, a.nacks)
}

func TestTopologyFromConfig(t *testing.T) {
	rt, err := New(config.Default(), io.Discard)
	require.NoError(t, err)
	topo := rt.Topology()
	require.Equal(t, "insurance-events", topo.Exchange)
	require.Equal(t, "contract-service.proposal-approved", topo.Queue)
	require.Equal(t, "proposal.approved", topo.RoutingKey)
	require.Equal(t, "insurance-events.dlx", topo.DeadLetterExchange)
	require.Equal(t, 1, topo.Prefetch)
}
