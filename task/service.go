package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskpay/escrow"
	"taskpay/payout"
)

var (
	ErrNotAssigned     = errors.New("task: no runner assigned")
	ErrNotFunded       = errors.New("task: not funded")
	ErrNotDelivered    = errors.New("task: not delivered")
	ErrInvalidState    = errors.New("task: invalid state transition")
	ErrCancelForbidden = errors.New("task: cancel forbidden")
	ErrValidation      = errors.New("task: invalid task")
	ErrReviewOpen      = errors.New("task: review window still open")
)

// reviewWindow is how long the client has to contest a delivery before
// funds release automatically.
const reviewWindow = 72 * time.Hour

// Engine is the slice of the payout orchestrator task lifecycle drives.
type Engine interface {
	CreateEscrow(ctx context.Context, params payout.CreateEscrowParams) (escrow.Escrow, error)
	ReleaseEscrow(ctx context.Context, escrowID string, reason escrow.ReleaseReason, actorID string) (escrow.Escrow, error)
	RefundEscrow(ctx context.Context, escrowID, reason, actorID string) (escrow.Escrow, error)
}

type Service struct {
	pool        *pgxpool.Pool
	repo        Repository
	engine      Engine
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	ClientID    string
	Title       string
	Description string
	Category    string
	Price       float64
	Currency    string
	DistanceKm  float64
	WeightKg    float64
	IsUrgent    bool
}

type ListResult struct {
	Items []Task
	Total int
}

func NewService(pool *pgxpool.Pool, repo Repository, engine Engine) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		engine:      engine,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Task, error) {
	if params.ClientID == "" {
		return Task{}, fmt.Errorf("%w: missing client id", ErrValidation)
	}
	if strings.TrimSpace(params.Title) == "" {
		return Task{}, fmt.Errorf("%w: title required", ErrValidation)
	}
	if params.Price <= 0 {
		return Task{}, fmt.Errorf("%w: non-positive price", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t := Task{
		ID:          s.idGenerator(),
		ClientID:    params.ClientID,
		Title:       strings.TrimSpace(params.Title),
		Description: params.Description,
		Category:    params.Category,
		Price:       params.Price,
		Currency:    params.Currency,
		DistanceKm:  params.DistanceKm,
		WeightKg:    params.WeightKg,
		IsUrgent:    params.IsUrgent,
		Status:      StatusPosted,
	}

	created, err := s.repo.Create(ctx, tx, t)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Assign(ctx context.Context, taskID, runnerID string) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusPosted {
		return Task{}, fmt.Errorf("%w: assign on %s", ErrInvalidState, t.Status)
	}

	updated, err := s.repo.Assign(ctx, tx, taskID, runnerID)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit assign: %w", err)
	}
	return updated, nil
}

type FundParams struct {
	TaskID        string
	PaymentRef    string
	PaymentMethod string
	IsPeak        bool
}

// Fund opens the escrow for an assigned task. The escrow engine freezes the
// fee breakdown in its own transaction; only after it succeeds does the task
// flip to funded.
func (s *Service) Fund(ctx context.Context, params FundParams) (Task, escrow.Escrow, error) {
	t, err := s.repo.Get(ctx, params.TaskID)
	if err != nil {
		return Task{}, escrow.Escrow{}, err
	}
	if t.Status != StatusAssigned {
		return Task{}, escrow.Escrow{}, fmt.Errorf("%w: fund on %s", ErrInvalidState, t.Status)
	}
	if t.RunnerID == nil {
		return Task{}, escrow.Escrow{}, ErrNotAssigned
	}

	esc, err := s.engine.CreateEscrow(ctx, payout.CreateEscrowParams{
		TaskID:        t.ID,
		ClientID:      t.ClientID,
		RunnerID:      *t.RunnerID,
		TaskPrice:     t.Price,
		Currency:      t.Currency,
		PaymentRef:    params.PaymentRef,
		PaymentMethod: params.PaymentMethod,
		DistanceKm:    t.DistanceKm,
		WeightKg:      t.WeightKg,
		IsPeak:        params.IsPeak,
		IsUrgent:      t.IsUrgent,
	})
	if err != nil {
		return Task{}, escrow.Escrow{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, escrow.Escrow{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.SetFunded(ctx, tx, t.ID, esc.ID)
	if err != nil {
		return Task{}, escrow.Escrow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, escrow.Escrow{}, fmt.Errorf("task: commit fund: %w", err)
	}
	return updated, esc, nil
}

// MarkDelivered is the runner's claim of completion; it starts the review
// window.
func (s *Service) MarkDelivered(ctx context.Context, taskID, runnerID string) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusFunded {
		return Task{}, fmt.Errorf("%w: deliver on %s", ErrInvalidState, t.Status)
	}
	if t.RunnerID == nil || *t.RunnerID != runnerID {
		return Task{}, ErrNotAssigned
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, taskID, StatusDelivered, nil)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit deliver: %w", err)
	}
	return updated, nil
}

// Complete is the client's approval: funds release and the task closes.
func (s *Service) Complete(ctx context.Context, taskID, clientID string) (Task, error) {
	return s.complete(ctx, taskID, clientID, escrow.ReleaseTaskCompleted)
}

// ExpireReview releases funds for a delivery the client neither approved
// nor contested within the review window. Intended for a scheduled sweep.
func (s *Service) ExpireReview(ctx context.Context, taskID string) (Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.DeliveredAt == nil || s.now().Before(t.DeliveredAt.Add(reviewWindow)) {
		return Task{}, ErrReviewOpen
	}
	return s.complete(ctx, taskID, "", escrow.ReleaseReviewExpired)
}

func (s *Service) complete(ctx context.Context, taskID, clientID string, reason escrow.ReleaseReason) (Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusDelivered {
		return Task{}, fmt.Errorf("%w: complete on %s", ErrInvalidState, t.Status)
	}
	if clientID != "" && t.ClientID != clientID {
		return Task{}, ErrCancelForbidden
	}
	if t.EscrowID == nil {
		return Task{}, ErrNotFunded
	}

	if _, err := s.engine.ReleaseEscrow(ctx, *t.EscrowID, reason, clientID); err != nil {
		return Task{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.UpdateStatus(ctx, tx, taskID, StatusCompleted, nil)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit complete: %w", err)
	}
	return updated, nil
}

type CancelParams struct {
	TaskID  string
	ActorID string
	IsAdmin bool
	Reason  *string
}

// Cancel withdraws a task. Before funding it is a plain status flip; once
// funded the escrow refunds first and the task only cancels if that
// succeeds.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Task, error) {
	if params.TaskID == "" {
		return Task{}, fmt.Errorf("task: cancel missing task id")
	}
	if params.ActorID == "" {
		return Task{}, fmt.Errorf("task: cancel missing actor id")
	}

	t, err := s.repo.Get(ctx, params.TaskID)
	if err != nil {
		return Task{}, err
	}
	if !params.IsAdmin && t.ClientID != params.ActorID {
		return Task{}, ErrCancelForbidden
	}

	var reason *string
	if params.Reason != nil {
		trimmed := strings.TrimSpace(*params.Reason)
		if trimmed != "" {
			reason = &trimmed
		}
	}

	switch t.Status {
	case StatusPosted, StatusAssigned:
	case StatusFunded:
		why := "client cancelled"
		if reason != nil {
			why = *reason
		}
		if t.EscrowID == nil {
			return Task{}, ErrNotFunded
		}
		if _, err := s.engine.RefundEscrow(ctx, *t.EscrowID, why, params.ActorID); err != nil {
			return Task{}, err
		}
	default:
		return Task{}, fmt.Errorf("%w: cancel on %s", ErrInvalidState, t.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.UpdateStatus(ctx, tx, params.TaskID, StatusCancelled, reason)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: cancel commit: %w", err)
	}
	return updated, nil
}
