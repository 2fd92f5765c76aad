package candidates

import (
	"context"
	"fmt"

	"github.com/iago/dispatch-sla-back/internal/repository"
)

// Provider returns the ordered list of contractor ids eligible for a job.
// The list may be empty; order is the dispatch order and is consumed strictly
// front to back by the escalation policy.
type Provider interface {
	GetCandidates(ctx context.Context, jobID string) ([]string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, jobID string) ([]string, error)

func (f ProviderFunc) GetCandidates(ctx context.Context, jobID string) ([]string, error) {
	return f(ctx, jobID)
}

// RosterProvider serves candidates from the contractor roster, best rated
// first. It stands in for the external ranking service in local deployments.
type RosterProvider struct {
	store repository.Store
}

func NewRosterProvider(store repository.Store) *RosterProvider {
	return &RosterProvider{store: store}
}

func (p *RosterProvider) GetCandidates(ctx context.Context, _ string) ([]string, error) {
	workers, err := p.store.ListActiveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	ids := make([]string, 0, len(workers))
	for _, worker := range workers {
		ids = append(ids, worker.ID)
	}
	return ids, nil
}
