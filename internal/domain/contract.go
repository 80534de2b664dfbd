package domain

import (
	"time"

	"github.com/google/uuid"
)

type Contract struct {
	ID           string
	ProposalID   string
	ContractedAt time.Time
}

func NewContract(proposalID string, now time.Time) (*Contract, error) {
	if _, err := uuid.Parse(proposalID); err != nil {
		return nil, Errorf(KindValidation, "invalid proposal id %q", proposalID)
	}
	return &Contract{
		ID:           uuid.NewString(),
		ProposalID:   proposalID,
		ContractedAt: now.UTC(),
	}, nil
}
