package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lfrezen/insurance/internal/domain"
)

// ContractService is what the contract API needs from the contract service.
type ContractService interface {
	CreateForProposal(ctx context.Context, proposalID string) (domain.Contract, error)
	Get(ctx context.Context, id string) (domain.Contract, error)
	List(ctx context.Context, limit int) ([]domain.Contract, error)
}

type ContractConfig struct {
	Config
	Service ContractService
}

// NewContractAPI serves the contract service.
func NewContractAPI(cfg ContractConfig) (http.Handler, error) {
	router, api := newAPI("Contract Service", cfg.Config)
	registerContracts(api, cfg.Service, cfg.Log)
	return router, nil
}

type contractList struct {
	Items []ContractResponse `json:"items"`
}

func registerContracts(api huma.API, svc ContractService, log *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Contract an approved proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := svc.CreateForProposal(ctx, input.Body.ProposalID)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body contractList `json:"body"`
	}, error) {
		items, err := svc.List(ctx, limitOrDefault(input.Limit))
		if err != nil {
			return nil, handleError(log, err)
		}
		resp := contractList{Items: make([]ContractResponse, 0, len(items))}
		for _, c := range items {
			resp.Items = append(resp.Items, contractResponse(c))
		}
		return &struct {
			Body contractList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(log, err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})
}
