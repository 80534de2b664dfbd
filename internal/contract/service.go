package contract

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/metrics"
	"github.com/lfrezen/insurance/internal/repo"
)

// Verifier looks a proposal up in the proposal service.
type Verifier interface {
	GetProposal(ctx context.Context, id string) (domain.ProposalSnapshot, error)
}

// Service creates at most one contract per approved proposal.
type Service struct {
	Repo     repo.Repo
	Verifier Verifier
	Now      func() time.Time
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

func NewService(r repo.Repo, v Verifier) *Service {
	return &Service{Repo: r, Verifier: v, Now: time.Now}
}

// CreateForProposal is safe to call any number of times for the same proposal: the unique
// index on proposal_id decides races the pre-check misses.
func (s *Service) CreateForProposal(ctx context.Context, proposalID string) (domain.Contract, error) {
	c, err := s.create(ctx, proposalID)
	s.Metrics.ContractCreated(outcome(err))
	return c, err
}

func (s *Service) create(ctx context.Context, proposalID string) (domain.Contract, error) {
	log := logging.OrDiscard(s.Log).With("proposal_id", proposalID)
	if _, err := uuid.Parse(proposalID); err != nil {
		return domain.Contract{}, domain.Errorf(domain.KindValidation, "invalid proposal id %q", proposalID)
	}

	existing, err := s.Repo.GetContractByProposal(ctx, proposalID)
	switch {
	case err == nil:
		return existing, domain.Errorf(domain.KindAlreadyContracted, "proposal %s already has contract %s", proposalID, existing.ID)
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Contract{}, err
	}

	snap, err := s.Verifier.GetProposal(ctx, proposalID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.Contract{}, domain.Wrap(domain.KindProposalNotFound, err, "proposal not found")
	case err != nil:
		return domain.Contract{}, err
	}
	if snap.Status != domain.StatusApproved {
		return domain.Contract{}, domain.Errorf(domain.KindNotApproved, "proposal %s is %s, not Approved", proposalID, snap.Status)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	c, err := domain.NewContract(proposalID, now())
	if err != nil {
		return domain.Contract{}, err
	}
	err = db.InTx(ctx, s.Repo.DB, func(tx *sql.Tx) error {
		return s.Repo.InsertContractTx(ctx, tx, *c)
	})
	if db.IsUniqueViolation(err) {
		log.Info("lost contract creation race", "err", err)
		return domain.Contract{}, domain.Errorf(domain.KindAlreadyContracted, "proposal %s already contracted", proposalID)
	}
	if err != nil {
		return domain.Contract{}, err
	}
	log.Info("contract created", "contract_id", c.ID)
	return *c, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Contract, error) {
	c, err := s.Repo.GetContract(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, domain.Errorf(domain.KindNotFound, "contract %s not found", id)
	}
	return c, err
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.Contract, error) {
	return s.Repo.ListContracts(ctx, limit)
}

func outcome(err error) string {
	if err == nil {
		return "created"
	}
	return string(domain.KindOf(err))
}
