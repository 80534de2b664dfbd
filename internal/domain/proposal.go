package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUnderReview Status = "UnderReview"
	StatusApproved    Status = "Approved"
	StatusRejected    Status = "Rejected"
)

var statuses = []Status{StatusUnderReview, StatusApproved, StatusRejected}

// ParseStatus accepts the status names case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", Errorf(KindValidation, "invalid status %q", s)
}

// InsuredPerson is the person covered by a proposal.
type InsuredPerson struct {
	FullName   string `json:"full_name"`
	NationalID string `json:"national_id"`
	Email      string `json:"email"`
}

func NewInsuredPerson(fullName, nationalID, email string) (InsuredPerson, error) {
	p := InsuredPerson{
		FullName:   strings.TrimSpace(fullName),
		NationalID: strings.TrimSpace(nationalID),
		Email:      strings.TrimSpace(email),
	}
	switch {
	case p.FullName == "":
		return InsuredPerson{}, Errorf(KindValidation, "full name is required")
	case p.NationalID == "":
		return InsuredPerson{}, Errorf(KindValidation, "national id is required")
	case p.Email == "":
		return InsuredPerson{}, Errorf(KindValidation, "email is required")
	}
	return p, nil
}

type Proposal struct {
	ID            string
	Person        InsuredPerson
	CoverageType  string
	InsuredAmount decimal.Decimal
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// NewProposal starts a proposal under review.
func NewProposal(person InsuredPerson, coverageType string, amount decimal.Decimal, now time.Time) (*Proposal, error) {
	coverageType = strings.TrimSpace(coverageType)
	if coverageType == "" {
		return nil, Errorf(KindValidation, "coverage type is required")
	}
	if !amount.IsPositive() {
		return nil, Errorf(KindValidation, "insured amount must be positive")
	}
	if person.FullName == "" || person.NationalID == "" || person.Email == "" {
		return nil, Errorf(KindValidation, "insured person is incomplete")
	}
	return &Proposal{
		ID:            uuid.NewString(),
		Person:        person,
		CoverageType:  coverageType,
		InsuredAmount: amount,
		Status:        StatusUnderReview,
		CreatedAt:     now.UTC(),
	}, nil
}

func ensureStatusTransition(from, to Status) error {
	if from != StatusUnderReview {
		return Errorf(KindIllegalTransition, "cannot change status from %s to %s: proposal is %s", from, to, from)
	}
	switch to {
	case StatusApproved, StatusRejected:
		return nil
	default:
		return Errorf(KindIllegalTransition, "cannot change status from %s to %s", from, to)
	}
}

// TransitionTo moves the proposal to a terminal status. Only UnderReview proposals move.
func (p *Proposal) TransitionTo(to Status, now time.Time) error {
	if err := ensureStatusTransition(p.Status, to); err != nil {
		return err
	}
	ts := now.UTC()
	p.Status = to
	p.UpdatedAt = &ts
	return nil
}

func (p *Proposal) Approve(now time.Time) error { return p.TransitionTo(StatusApproved, now) }

func (p *Proposal) Reject(now time.Time) error { return p.TransitionTo(StatusRejected, now) }

func (p *Proposal) CanBeContracted() bool { return p.Status == StatusApproved }

// ApprovedEvent builds the integration event for an approved proposal.
func (p *Proposal) ApprovedEvent() (ApprovedEvent, error) {
	if p.Status != StatusApproved || p.UpdatedAt == nil {
		return ApprovedEvent{}, Errorf(KindIllegalTransition, "proposal %s is %s, not approved", p.ID, p.Status)
	}
	return ApprovedEvent{
		ProposalID:    p.ID,
		FullName:      p.Person.FullName,
		NationalID:    p.Person.NationalID,
		Email:         p.Person.Email,
		CoverageType:  p.CoverageType,
		InsuredAmount: p.InsuredAmount,
		ApprovedAt:    *p.UpdatedAt,
	}, nil
}
