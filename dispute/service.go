package dispute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"taskpay/escrow"
	"taskpay/payout"
)

// Engine is the slice of the payout orchestrator disputes drive.
type Engine interface {
	OpenDispute(ctx context.Context, escrowID, disputeID, reason, actorID string) (escrow.Escrow, error)
	ResolveDispute(ctx context.Context, escrowID, disputeID string, resolution payout.DisputeResolution, actorID string) (escrow.Escrow, error)
}

type Service struct {
	repo        *Repository
	engine      Engine
	idGenerator func() string
}

func NewService(repo *Repository, engine Engine) *Service {
	return &Service{
		repo:        repo,
		engine:      engine,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) List(ctx context.Context, userID, escrowID string) ([]Record, error) {
	return s.repo.List(ctx, userID, escrowID)
}

func (s *Service) Get(ctx context.Context, disputeID string) (Record, error) {
	return s.repo.Get(ctx, disputeID)
}

// Open records the dispute and freezes the escrow. If the freeze is refused
// (the escrow is not held) the dispute row is withdrawn again.
func (s *Service) Open(ctx context.Context, escrowID, raisedBy, reason string) (Record, error) {
	if reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	rec, err := s.repo.Create(ctx, s.idGenerator(), escrowID, raisedBy, reason)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.engine.OpenDispute(ctx, escrowID, rec.ID, reason, raisedBy); err != nil {
		if delErr := s.repo.Delete(ctx, rec.ID); delErr != nil {
			slog.Error("dispute: withdraw after freeze failure", "dispute_id", rec.ID, "error", delErr)
		}
		return Record{}, err
	}
	return rec, nil
}

// Resolve applies the admin decision to the escrow, then closes the record.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution payout.DisputeResolution, adminID string) (Record, error) {
	rec, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusOpen {
		return Record{}, ErrBadStatus
	}

	if _, err := s.engine.ResolveDispute(ctx, rec.EscrowID, disputeID, resolution, adminID); err != nil {
		return Record{}, err
	}
	return s.repo.Resolve(ctx, disputeID, string(resolution), adminID)
}
