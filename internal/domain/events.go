package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const RoutingKeyProposalApproved = "proposal.approved"

// ApprovedEvent is published once per approval. Fields are additive only; consumers
// ignore unknown fields and require proposal_id.
type ApprovedEvent struct {
	ProposalID    string          `json:"proposal_id"`
	FullName      string          `json:"full_name"`
	NationalID    string          `json:"national_id"`
	Email         string          `json:"email"`
	CoverageType  string          `json:"coverage_type"`
	InsuredAmount decimal.Decimal `json:"insured_amount"`
	ApprovedAt    time.Time       `json:"approved_at"`
}

// ProposalSnapshot is the contract service's view of a proposal fetched over HTTP.
type ProposalSnapshot struct {
	ID     string
	Status Status
}

// OutboxMessage is an event persisted with the state change that produced it.
type OutboxMessage struct {
	ID          string
	AggregateID string
	RoutingKey  string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}
