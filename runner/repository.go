package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested runner does not exist.
	ErrNotFound = errors.New("runner: not found")
	// ErrNoDestination signals the runner has no bank account on file.
	ErrNoDestination = errors.New("runner: no payout destination on file")
)

// Repository provides read access to runner profiles.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Provision creates an empty runner profile for a freshly registered user.
// Bank details arrive later through SetDestination; a duplicate call for
// the same user is a no-op.
func (r *Repository) Provision(ctx context.Context, userID, fullName string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runners (user_id, full_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, fullName)
	if err != nil {
		return fmt.Errorf("runner: provision profile: %w", err)
	}
	return nil
}

// GetByID fetches a runner profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, user_id, full_name,
		       COALESCE(bank_account, ''), COALESCE(bank_name, ''),
		       COALESCE(branch_code, ''), verified, created_at
		FROM runners
		WHERE id = $1
	`

	var p Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.UserID, &p.FullName,
		&p.BankAccount, &p.BankName,
		&p.BranchCode, &p.Verified, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("runner: query by id: %w", err)
	}

	return p, nil
}

// List fetches up to limit runner profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, user_id, full_name,
		       COALESCE(bank_account, ''), COALESCE(bank_name, ''),
		       COALESCE(branch_code, ''), verified, created_at
		FROM runners
		ORDER BY full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("runner: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.UserID, &p.FullName, &p.BankAccount, &p.BankName, &p.BranchCode, &p.Verified, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("runner: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runner: iterate profiles: %w", err)
	}

	return profiles, nil
}

// GetDestination resolves the payout target for a runner, failing when no
// bank account is on file.
func (r *Repository) GetDestination(ctx context.Context, id string) (Destination, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return Destination{}, err
	}
	if !p.HasDestination() {
		return Destination{}, ErrNoDestination
	}
	return p.Destination(), nil
}

// SetDestination stores or replaces a runner's bank details.
func (r *Repository) SetDestination(ctx context.Context, id string, d Destination, bankName string) error {
	if d.AccountNumber == "" || d.AccountName == "" {
		return fmt.Errorf("runner: account number and name required")
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE runners
		SET bank_account = $2, bank_name = $3, branch_code = $4, full_name = $5
		WHERE id = $1
	`, id, d.AccountNumber, bankName, d.BranchCode, d.AccountName)
	if err != nil {
		return fmt.Errorf("runner: set destination: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
