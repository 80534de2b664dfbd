package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
	"github.com/lfrezen/insurance/internal/proposal"
)

// ProposalService is what the proposal API needs from the proposal service.
type ProposalService interface {
	Create(ctx context.Context, in proposal.CreateInput) (domain.Proposal, error)
	Get(ctx context.Context, id string) (domain.Proposal, error)
	List(ctx context.Context, limit int) ([]domain.Proposal, error)
	ChangeStatus(ctx context.Context, id, status string) (domain.Proposal, error)
}

type ProposalConfig struct {
	Config
	Service ProposalService
}

// NewProposalAPI serves the proposal service.
func NewProposalAPI(cfg ProposalConfig) (http.Handler, error) {
	router, api := newAPI("Proposal Service", cfg.Config)
	registerProposals(api, cfg.Service, cfg.Log)
	return router, nil
}

type proposalList struct {
	Items []ProposalResponse `json:"items"`
}

func registerProposals(api huma.API, svc ProposalService, log *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := svc.Create(ctx, proposal.CreateInput{
			FullName:      input.Body.FullName,
			NationalID:    input.Body.NationalID,
			Email:         input.Body.Email,
			CoverageType:  input.Body.CoverageType,
			InsuredAmount: decimal.NewFromFloat(input.Body.InsuredAmount),
		})
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body proposalList `json:"body"`
	}, error) {
		items, err := svc.List(ctx, limitOrDefault(input.Limit))
		if err != nil {
			return nil, handleError(log, err)
		}
		resp := proposalList{Items: make([]ProposalResponse, 0, len(items))}
		for _, p := range items {
			resp.Items = append(resp.Items, proposalResponse(p))
		}
		return &struct {
			Body proposalList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-proposal-status",
		Method:      http.MethodPatch,
		Path:        "/proposals/{id}/status",
		Summary:     "Approve or reject proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ChangeStatusRequest
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := svc.ChangeStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(log, err)
		}
		if principal, ok := PrincipalFromContext(ctx); ok {
			logging.OrDiscard(log).Info("proposal status set", "proposal_id", p.ID, "status", p.Status, "by", principal.Subject)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}
