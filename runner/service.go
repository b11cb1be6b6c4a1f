package runner

import "context"

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	GetDestination(ctx context.Context, id string) (Destination, error)
	SetDestination(ctx context.Context, id string, d Destination, bankName string) error
}

// Service exposes business-level runner operations.
type Service struct {
	repo ProfileStore
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo}
}

// GetByID returns the runner profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit runner profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// GetDestination resolves the payout target for a runner.
func (s *Service) GetDestination(ctx context.Context, id string) (Destination, error) {
	return s.repo.GetDestination(ctx, id)
}

// SetDestination stores or replaces a runner's bank details.
func (s *Service) SetDestination(ctx context.Context, id string, d Destination, bankName string) error {
	return s.repo.SetDestination(ctx, id, d, bankName)
}
