package domain

import "context"

type ListPendingRequest struct {
	Status string
	Limit  int
}

type ResolvePendingRequest struct {
	SessionID string
	ShopID    string
	Actor     string
}

type GrantCreditsRequest struct {
	ShopID  string
	Credits int64
	Actor   string
	Note    string
}

type Service interface {
	// ProcessWebhook verifies, filters and applies one inbound notification.
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error)
	ListPending(ctx context.Context, req ListPendingRequest) ([]PendingActivation, error)
	ResolvePending(ctx context.Context, req ResolvePendingRequest) (Outcome, error)
	GrantCredits(ctx context.Context, req GrantCreditsRequest) (Outcome, error)
}
