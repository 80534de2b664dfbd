package proposal

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/events"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/metrics"
	"github.com/lfrezen/insurance/internal/repo"
)

// Deliverer publishes a committed outbox row right away.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.OutboxMessage) error
}

// Service owns proposals and their approval workflow.
type Service struct {
	Repo    repo.Repo
	Events  events.Writer
	Outbox  Deliverer
	Now     func() time.Time
	Log     *slog.Logger
	Metrics *metrics.Metrics

	validate *validator.Validate
}

func NewService(r repo.Repo, outbox Deliverer) *Service {
	return &Service{
		Repo:     r,
		Events:   events.Writer{Repo: r},
		Outbox:   outbox,
		Now:      time.Now,
		validate: newValidator(),
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Proposal, error) {
	if s.validate == nil {
		s.validate = newValidator()
	}
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validate.StructCtx(ctx, in); err != nil {
		return domain.Proposal{}, validationError(err)
	}
	person, err := domain.NewInsuredPerson(in.FullName, in.NationalID, in.Email)
	if err != nil {
		return domain.Proposal{}, err
	}
	p, err := domain.NewProposal(person, CanonicalCoverage(in.CoverageType), in.InsuredAmount, s.now())
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := db.InTx(ctx, s.Repo.DB, func(tx *sql.Tx) error {
		return s.Repo.InsertProposalTx(ctx, tx, *p)
	}); err != nil {
		return domain.Proposal{}, err
	}
	logging.OrDiscard(s.Log).Info("proposal created", "proposal_id", p.ID, "coverage_type", p.CoverageType)
	return *p, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Proposal, error) {
	p, err := s.Repo.GetProposal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, domain.Errorf(domain.KindNotFound, "proposal %s not found", id)
	}
	return p, err
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.Proposal, error) {
	return s.Repo.ListProposals(ctx, limit)
}

func (s *Service) Approve(ctx context.Context, id string) (domain.Proposal, error) {
	return s.transition(ctx, id, domain.StatusApproved)
}

func (s *Service) Reject(ctx context.Context, id string) (domain.Proposal, error) {
	return s.transition(ctx, id, domain.StatusRejected)
}

// ChangeStatus parses status and applies the transition.
func (s *Service) ChangeStatus(ctx context.Context, id, status string) (domain.Proposal, error) {
	st, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Proposal{}, err
	}
	return s.transition(ctx, id, st)
}

// transition validates the move in memory, then applies it with a conditional update so a
// racing transition loses cleanly. On approval the event is appended to the outbox in the
// same transaction. The event is published after commit; a publish failure leaves the row for
// the relay and does not fail the call.
func (s *Service) transition(ctx context.Context, id string, to domain.Status) (domain.Proposal, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	from := p.Status
	if err := p.TransitionTo(to, s.now()); err != nil {
		return domain.Proposal{}, err
	}
	var msg *domain.OutboxMessage
	err = db.InTx(ctx, s.Repo.DB, func(tx *sql.Tx) error {
		if err := s.Repo.UpdateProposalStatusTx(ctx, tx, p, from); err != nil {
			return err
		}
		if to != domain.StatusApproved {
			return nil
		}
		ev, err := p.ApprovedEvent()
		if err != nil {
			return err
		}
		m, err := s.Events.Append(ctx, tx, p.ID, domain.RoutingKeyProposalApproved, ev)
		if err != nil {
			return err
		}
		msg = &m
		return nil
	})
	switch {
	case errors.Is(err, repo.ErrStale):
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return domain.Proposal{}, getErr
		}
		return domain.Proposal{}, domain.Errorf(domain.KindIllegalTransition,
			"cannot change status from %s to %s: proposal is %s", current.Status, to, current.Status)
	case errors.Is(err, repo.ErrNotFound):
		return domain.Proposal{}, domain.Errorf(domain.KindNotFound, "proposal %s not found", id)
	case err != nil:
		return domain.Proposal{}, err
	}
	s.Metrics.ProposalTransition(string(to))
	log := logging.OrDiscard(s.Log).With("proposal_id", p.ID)
	log.Info("proposal status changed", "status", p.Status)
	if msg != nil && s.Outbox != nil {
		if err := s.Outbox.Deliver(ctx, *msg); err != nil {
			log.Warn("publish approval failed; left for outbox relay", "outbox_id", msg.ID, "err", err)
		}
	}
	return p, nil
}
