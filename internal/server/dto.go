package server

import (
	"time"

	"github.com/lfrezen/insurance/internal/domain"
)

// Request payloads

type CreateProposalRequest struct {
	FullName     string `json:"full_name"`
	NationalID   string `json:"national_id" doc:"CPF, digits with optional dots and dash"`
	Email        string `json:"email"`
	CoverageType string `json:"coverage_type" doc:"Vida, Auto, Residencial or Empresarial"`

	// decimal.Decimal has no usable schema; the amount is converted on entry.
	InsuredAmount float64 `json:"insured_amount"`
}

type ChangeStatusRequest struct {
	Status string `json:"status" doc:"Approved or Rejected"`
}

type CreateContractRequest struct {
	ProposalID string `json:"proposal_id"`
}

// Response payloads

type ProposalResponse struct {
	ID            string  `json:"id"`
	FullName      string  `json:"full_name"`
	NationalID    string  `json:"national_id"`
	Email         string  `json:"email"`
	CoverageType  string  `json:"coverage_type"`
	InsuredAmount string  `json:"insured_amount" example:"150000.00"`
	Status        string  `json:"status" enum:"UnderReview,Approved,Rejected"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     *string `json:"updated_at,omitempty" format:"date-time"`
}

type ContractResponse struct {
	ID           string `json:"id"`
	ProposalID   string `json:"proposal_id"`
	ContractedAt string `json:"contracted_at" format:"date-time"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	out := ProposalResponse{
		ID:            p.ID,
		FullName:      p.Person.FullName,
		NationalID:    p.Person.NationalID,
		Email:         p.Person.Email,
		CoverageType:  p.CoverageType,
		InsuredAmount: p.InsuredAmount.StringFixed(2),
		Status:        string(p.Status),
		CreatedAt:     formatTime(p.CreatedAt),
	}
	if p.UpdatedAt != nil {
		s := formatTime(*p.UpdatedAt)
		out.UpdatedAt = &s
	}
	return out
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse{
		ID:           c.ID,
		ProposalID:   c.ProposalID,
		ContractedAt: formatTime(c.ContractedAt),
	}
}
