package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/domain"
)

const proposalColumns = `id,full_name,national_id,email,coverage_type,insured_amount,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var (
		p              domain.Proposal
		amount, status string
		createdAt      string
		updatedAt      sql.NullString
	)
	err := row.Scan(&p.ID, &p.Person.FullName, &p.Person.NationalID, &p.Person.Email, &p.CoverageType,
		&amount, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.InsuredAmount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("proposal %s: insured amount: %w", p.ID, err)
	}
	p.Status = domain.Status(status)
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return p, fmt.Errorf("proposal %s: created_at: %w", p.ID, err)
	}
	if updatedAt.Valid {
		ts, err := db.ParseTime(updatedAt.String)
		if err != nil {
			return p, fmt.Errorf("proposal %s: updated_at: %w", p.ID, err)
		}
		p.UpdatedAt = &ts
	}
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`),
		p.ID, p.Person.FullName, p.Person.NationalID, p.Person.Email, p.CoverageType,
		p.InsuredAmount.String(), string(p.Status), db.FormatTime(p.CreatedAt), nil)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.getProposal(ctx, r.DB, id)
}

func (r Repo) getProposal(ctx context.Context, q querier, id string) (domain.Proposal, error) {
	return scanProposal(q.QueryRowContext(ctx, r.q(`SELECT `+proposalColumns+` FROM proposals WHERE id=?`), id))
}

// ListProposals returns proposals newest first.
func (r Repo) ListProposals(ctx context.Context, limit int) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+proposalColumns+` FROM proposals ORDER BY created_at DESC, id DESC LIMIT ?`), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProposalStatusTx moves a proposal out of from. It returns ErrNotFound when the row is
// missing and ErrStale when the row exists but is no longer in from.
func (r Repo) UpdateProposalStatusTx(ctx context.Context, tx *sql.Tx, p domain.Proposal, from domain.Status) error {
	if p.UpdatedAt == nil {
		return fmt.Errorf("proposal %s: updated_at not set", p.ID)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE proposals SET status=?, updated_at=? WHERE id=? AND status=?`),
		string(p.Status), db.FormatTime(*p.UpdatedAt), p.ID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.getProposal(ctx, tx, p.ID); err != nil {
		return err
	}
	return ErrStale
}
