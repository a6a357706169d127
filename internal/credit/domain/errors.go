package domain

import "errors"

var (
	ErrMissingSignature     = errors.New("missing_signature")
	ErrSignatureExpired     = errors.New("signature_expired")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrWebhookSecretMissing = errors.New("webhook_secret_not_configured")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrEventIgnored         = errors.New("event_ignored")
	ErrEventInFlight        = errors.New("event_in_flight")

	ErrInvalidSessionID  = errors.New("invalid_session_id")
	ErrInvalidCredits    = errors.New("invalid_credits")
	ErrPendingNotFound   = errors.New("pending_activation_not_found")
	ErrPendingResolved   = errors.New("pending_activation_already_resolved")
	ErrAlreadyProcessed  = errors.New("payment_already_processed")
	ErrPersistenceFailed = errors.New("persistence_failed")
)
