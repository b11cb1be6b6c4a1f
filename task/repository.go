package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("task: not found")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, t Task) (Task, error)
	List(ctx context.Context, filters Filters) ([]Task, int, error)
	Get(ctx context.Context, id string) (Task, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Task, error)
	Assign(ctx context.Context, tx pgx.Tx, id, runnerID string) (Task, error)
	SetFunded(ctx context.Context, tx pgx.Tx, id, escrowID string) (Task, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Task, error)
}

const taskColumns = `id, client_id, runner_id, title, description, category, price, currency, distance_km, weight_kg, is_urgent, status, escrow_id, cancel_reason, delivered_at, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, t Task) (Task, error) {
	const query = `
        INSERT INTO tasks (id, client_id, title, description, category, price, currency, distance_km, weight_kg, is_urgent, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING ` + taskColumns

	row := tx.QueryRow(ctx, query,
		t.ID,
		t.ClientID,
		t.Title,
		t.Description,
		t.Category,
		t.Price,
		t.Currency,
		t.DistanceKm,
		t.WeightKg,
		t.IsUrgent,
		t.Status,
	)
	return scanTask(row)
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Task, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	base := `SELECT ` + taskColumns + ` FROM tasks`
	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.RunnerID != "" {
		where = append(where, fmt.Sprintf("runner_id=$%d", len(args)+1))
		args = append(args, filters.RunnerID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("task: query list: %w", err)
	}
	defer rows.Close()

	list := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM tasks%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("task: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`

	row := tx.QueryRow(ctx, query, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get for update: %w", err)
	}
	return t, nil
}

func (r *PGRepository) Assign(ctx context.Context, tx pgx.Tx, id, runnerID string) (Task, error) {
	const query = `
		UPDATE tasks
		SET runner_id = $2,
		    status = 'assigned',
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRow(ctx, query, id, runnerID))
	if err != nil {
		return Task{}, fmt.Errorf("task: assign: %w", err)
	}
	return t, nil
}

func (r *PGRepository) SetFunded(ctx context.Context, tx pgx.Tx, id, escrowID string) (Task, error) {
	const query = `
		UPDATE tasks
		SET status = 'funded',
		    escrow_id = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRow(ctx, query, id, escrowID))
	if err != nil {
		return Task{}, fmt.Errorf("task: set funded: %w", err)
	}
	return t, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Task, error) {
	const query = `
		UPDATE tasks
		SET status = $2,
		    cancel_reason = $3,
		    delivered_at = CASE WHEN $2 = 'delivered' THEN get_tx_timestamp() ELSE delivered_at END,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRow(ctx, query, id, status, cancelReason))
	if err != nil {
		return Task{}, fmt.Errorf("task: update status: %w", err)
	}
	return t, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	return t, row.Scan(
		&t.ID,
		&t.ClientID,
		&t.RunnerID,
		&t.Title,
		&t.Description,
		&t.Category,
		&t.Price,
		&t.Currency,
		&t.DistanceKm,
		&t.WeightKg,
		&t.IsUrgent,
		&t.Status,
		&t.EscrowID,
		&t.CancelReason,
		&t.DeliveredAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "price":
		return "price"
	case "category":
		return "category"
	case "status":
		return "status"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
