package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lfrezen/insurance/internal/config"
	"github.com/lfrezen/insurance/internal/contract"
	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/messaging"
	"github.com/lfrezen/insurance/internal/metrics"
	"github.com/lfrezen/insurance/internal/migrate"
	"github.com/lfrezen/insurance/internal/outbox"
	"github.com/lfrezen/insurance/internal/proposal"
	"github.com/lfrezen/insurance/internal/proposalclient"
	"github.com/lfrezen/insurance/internal/repo"
	"github.com/lfrezen/insurance/internal/server"
	insurancesdk "github.com/lfrezen/insurance/sdk/go"
)

// Runtime carries what every command shares: config, logger and metrics registry.
type Runtime struct {
	Config   *config.Config
	Log      *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// New builds the runtime. Logs go to logOut, stderr when nil.
func New(cfg *config.Config, logOut io.Writer) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New("", reg)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Config:   cfg,
		Log:      logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: logOut}),
		Registry: reg,
		Metrics:  m,
	}, nil
}

// OpenStore opens the database and migrates the component's schema.
func (rt *Runtime) OpenStore(component string) (repo.Repo, error) {
	conn, dialect, err := db.Open(db.Config{Driver: rt.Config.Database.Driver, DSN: rt.Config.Database.DSN})
	if err != nil {
		return repo.Repo{}, err
	}
	version, err := migrate.Run(conn, dialect, component)
	if err != nil {
		conn.Close()
		return repo.Repo{}, fmt.Errorf("migrate %s: %w", component, err)
	}
	rt.Log.Debug("schema ready", "component", component, "version", version)
	return repo.Repo{DB: conn, Dialect: dialect}, nil
}

// Topology is the broker layout from config.
func (rt *Runtime) Topology() messaging.Topology {
	b := rt.Config.Broker
	return messaging.Topology{
		Exchange:           b.Exchange,
		Queue:              b.Queue,
		RoutingKey:         b.RoutingKey,
		DeadLetterExchange: b.DeadLetterExchange,
		DeadLetterQueue:    b.DeadLetterQueue,
		Prefetch:           b.Prefetch,
	}
}

func (rt *Runtime) serverConfig(ready func(ctx context.Context) map[string]string) server.Config {
	return server.Config{
		BasePath: rt.Config.HTTP.BasePath,
		Auth:     server.AuthConfig{JWTSecret: rt.Config.Auth.JWTSecret, Issuer: rt.Config.Auth.Issuer},
		Log:      rt.Log.With("component", "http"),
		Gatherer: rt.Registry,
		Ready:    ready,
	}
}

// NewRelay builds the outbox relay over r publishing through pub.
func (rt *Runtime) NewRelay(r repo.Repo, pub outbox.Publisher) *outbox.Relay {
	return &outbox.Relay{
		Repo:      r,
		Publisher: pub,
		Interval:  rt.Config.Outbox.Interval,
		BatchSize: rt.Config.Outbox.BatchSize,
		Log:       rt.Log.With("component", "outbox"),
	}
}

// NewPublisher declares the broker topology, including the contract service's queue so
// events published before that service first starts are kept, and returns a confirming
// publisher whose channel is reopened after broker failures.
func (rt *Runtime) NewPublisher(sess *messaging.Session) (*messaging.Publisher, error) {
	ch, err := sess.Channel()
	if err != nil {
		return nil, err
	}
	if err := messaging.DeclareConsumer(ch, rt.Topology()); err != nil {
		ch.Close()
		return nil, err
	}
	ch.Close()
	pub := messaging.NewPublisher(messaging.NewReopeningChannel(messaging.SessionOpener(sess)), rt.Config.Broker.Exchange)
	pub.Log = rt.Log.With("component", "publisher")
	pub.Metrics = rt.Metrics
	return pub, nil
}

// NewVerifier builds the resilient proposal lookup used by the contract service.
func (rt *Runtime) NewVerifier() *proposalclient.Verifier {
	pc := rt.Config.ProposalClient
	client := insurancesdk.New(pc.BaseURL)
	client.Timeout = pc.Timeout
	client.TokenSource = proposalclient.TokenSource(rt.Config.Auth.JWTSecret, rt.Config.Auth.Issuer, 0, nil)
	return proposalclient.NewVerifier(client, proposalclient.Config{
		MaxRetries:      pc.MaxRetries,
		BaseDelay:       pc.BaseDelay,
		RetryNotFound:   pc.RetryNotFound,
		BreakerFailures: pc.BreakerFailures,
		BreakerOpen:     pc.BreakerOpen,
	}, proposalclient.WithLogger(rt.Log), proposalclient.WithMetrics(rt.Metrics))
}

// ProposalService is the wired proposal service. Run starts the relay in the background.
type ProposalService struct {
	Service *proposal.Service
	Relay   *outbox.Relay
	Handler http.Handler

	db  *sql.DB
	pub *messaging.Publisher
}

// NewProposalService wires store, publisher, relay and HTTP API for the proposal service.
func (rt *Runtime) NewProposalService(sess *messaging.Session) (*ProposalService, error) {
	r, err := rt.OpenStore(migrate.Proposals)
	if err != nil {
		return nil, err
	}
	pub, err := rt.NewPublisher(sess)
	if err != nil {
		r.DB.Close()
		return nil, err
	}
	relay := rt.NewRelay(r, pub)
	svc := proposal.NewService(r, relay)
	svc.Log = rt.Log.With("component", "proposals")
	svc.Metrics = rt.Metrics

	handler, err := server.NewProposalAPI(server.ProposalConfig{
		Config: rt.serverConfig(func(ctx context.Context) map[string]string {
			return map[string]string{
				"database": pingStatus(ctx, r.DB),
				"broker":   sessionStatus(sess),
			}
		}),
		Service: svc,
	})
	if err != nil {
		pub.Close()
		r.DB.Close()
		return nil, err
	}
	return &ProposalService{Service: svc, Relay: relay, Handler: handler, db: r.DB, pub: pub}, nil
}

// Run flushes the outbox until ctx is cancelled.
func (p *ProposalService) Run(ctx context.Context) {
	p.Relay.Run(ctx)
}

func (p *ProposalService) Close() error {
	p.pub.Close()
	return p.db.Close()
}

// ContractService is the wired contract service.
type ContractService struct {
	Service  *contract.Service
	Verifier *proposalclient.Verifier
	Consumer *messaging.Consumer
	Handler  http.Handler

	db *sql.DB
}

// NewContractService wires store, verifier, consumer and HTTP API for the contract service.
func (rt *Runtime) NewContractService(sess *messaging.Session) (*ContractService, error) {
	r, err := rt.OpenStore(migrate.Contracts)
	if err != nil {
		return nil, err
	}
	verifier := rt.NewVerifier()
	svc := contract.NewService(r, verifier)
	svc.Log = rt.Log.With("component", "contracts")
	svc.Metrics = rt.Metrics

	topo := rt.Topology()
	ch, err := ConsumerOpener(sess, topo)()
	if err != nil {
		r.DB.Close()
		return nil, err
	}
	consumer := messaging.NewConsumer(ch, topo, svc)
	consumer.Reopen = ConsumerOpener(sess, topo)
	consumer.ReopenDelay = rt.Config.Broker.ReconnectDelay
	consumer.Log = rt.Log.With("component", "consumer")
	consumer.Metrics = rt.Metrics

	handler, err := server.NewContractAPI(server.ContractConfig{
		Config: rt.serverConfig(func(ctx context.Context) map[string]string {
			return map[string]string{
				"database":        pingStatus(ctx, r.DB),
				"broker":          sessionStatus(sess),
				"proposal_client": verifier.State(),
			}
		}),
		Service: svc,
	})
	if err != nil {
		ch.Close()
		r.DB.Close()
		return nil, err
	}
	return &ContractService{Service: svc, Verifier: verifier, Consumer: consumer, Handler: handler, db: r.DB}, nil
}

// ConsumerOpener opens a channel on sess and declares the consumer topology on it. The
// session redials the broker when the connection was lost.
func ConsumerOpener(sess *messaging.Session, topo messaging.Topology) func() (messaging.ConsumeChannel, error) {
	return func() (messaging.ConsumeChannel, error) {
		ch, err := sess.Channel()
		if err != nil {
			return nil, err
		}
		if err := messaging.DeclareConsumer(ch, topo); err != nil {
			ch.Close()
			return nil, err
		}
		return ch, nil
	}
}

// Run consumes until ctx is cancelled.
func (c *ContractService) Run(ctx context.Context) error {
	return c.Consumer.Run(ctx)
}

func (c *ContractService) Close() error {
	return c.db.Close()
}

func pingStatus(ctx context.Context, conn *sql.DB) string {
	if err := conn.PingContext(ctx); err != nil {
		return "unavailable"
	}
	return "ok"
}

func sessionStatus(s *messaging.Session) string {
	if s == nil || !s.Healthy() {
		return "unavailable"
	}
	return "ok"
}
