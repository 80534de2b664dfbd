package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/domain"
)

func scanContract(row rowScanner) (domain.Contract, error) {
	var (
		c  domain.Contract
		ts string
	)
	err := row.Scan(&c.ID, &c.ProposalID, &ts)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.ContractedAt, err = db.ParseTime(ts); err != nil {
		return c, fmt.Errorf("contract %s: contracted_at: %w", c.ID, err)
	}
	return c, nil
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO contracts(id,proposal_id,contracted_at) VALUES (?,?,?)`),
		c.ID, c.ProposalID, db.FormatTime(c.ContractedAt))
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, r.q(`SELECT id,proposal_id,contracted_at FROM contracts WHERE id=?`), id))
}

func (r Repo) GetContractByProposal(ctx context.Context, proposalID string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, r.q(`SELECT id,proposal_id,contracted_at FROM contracts WHERE proposal_id=?`), proposalID))
}

// ListContracts returns contracts newest first.
func (r Repo) ListContracts(ctx context.Context, limit int) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,proposal_id,contracted_at FROM contracts ORDER BY contracted_at DESC, id DESC LIMIT ?`), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
