package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	PaymentStatusPaid             = "paid"
)

// Ledger sources.
const (
	SourceStripeCheckout = "stripe_checkout"
	SourceManualReview   = "manual_review"
	SourceAdminGrant     = "admin_grant"
)

// Pending activation reasons.
const (
	ReasonTenantUnresolved = "tenant_unresolved"
	ReasonShopNotFound     = "shop_not_found"
	ReasonUnmatchedPrice   = "unmatched_price"
)

const (
	PendingStatusManualReview = "pending_manual_review"
	PendingStatusResolved     = "resolved"
)

// CheckoutSession is the normalized view of a paid checkout notification.
type CheckoutSession struct {
	EventID           string
	EventType         string
	SessionID         string
	PaymentStatus     string
	Metadata          map[string]string
	ClientReferenceID string
	CustomFields      map[string]string
	PaymentLinkID     string
	PriceIDs          []string
	AmountTotal       int64
	Currency          string
	CustomerEmail     string
	RawPayload        []byte
}

// PaymentRecord is one row of the idempotency ledger. A row exists exactly
// once per session id and is never updated.
type PaymentRecord struct {
	SessionID     string         `json:"session_id" gorm:"primaryKey;size:255"`
	EventID       string         `json:"event_id,omitempty" gorm:"type:text"`
	ShopID        string         `json:"shop_id" gorm:"size:255;not null;index"`
	Credits       int64          `json:"credits" gorm:"not null"`
	Source        string         `json:"source" gorm:"type:text;not null"`
	RateSource    string         `json:"rate_source,omitempty" gorm:"type:text"`
	AmountTotal   int64          `json:"amount_total"`
	Currency      string         `json:"currency,omitempty" gorm:"type:text"`
	CustomerEmail string         `json:"customer_email,omitempty" gorm:"type:text"`
	Actor         string         `json:"actor,omitempty" gorm:"type:text"`
	Note          string         `json:"note,omitempty" gorm:"type:text"`
	Payload       datatypes.JSON `json:"-"`
	ProcessedAt   time.Time      `json:"processed_at" gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "credit_payments" }

// PendingActivation is a paid checkout that could not be linked to a shop
// automatically.
type PendingActivation struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SessionID         string         `json:"session_id" gorm:"size:255;not null;uniqueIndex"`
	EventID           string         `json:"event_id,omitempty" gorm:"type:text"`
	Status            string         `json:"status" gorm:"type:text;not null"`
	Reason            string         `json:"reason" gorm:"type:text;not null"`
	Credits           int64          `json:"credits" gorm:"not null"`
	RateSource        string         `json:"rate_source,omitempty" gorm:"type:text"`
	ShopIDHint        string         `json:"shop_id_hint,omitempty" gorm:"type:text"`
	ShopNameHint      string         `json:"shop_name_hint,omitempty" gorm:"type:text"`
	ClientReferenceID string         `json:"client_reference_id,omitempty" gorm:"type:text"`
	AmountTotal       int64          `json:"amount_total"`
	Currency          string         `json:"currency,omitempty" gorm:"type:text"`
	CustomerEmail     string         `json:"customer_email,omitempty" gorm:"type:text"`
	Payload           datatypes.JSON `json:"-"`
	ResolvedShopID    *string        `json:"resolved_shop_id,omitempty" gorm:"type:text"`
	ResolvedBy        *string        `json:"resolved_by,omitempty" gorm:"type:text"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null"`
}

func (PendingActivation) TableName() string { return "pending_activations" }

type OutcomeStatus string

const (
	OutcomeIgnored          OutcomeStatus = "ignored"
	OutcomeActivated        OutcomeStatus = "activated"
	OutcomeAlreadyProcessed OutcomeStatus = "already_processed"
	OutcomePendingManual    OutcomeStatus = "pending_manual"
)

// Outcome reports what happened to one delivery. ShopID and Credits are set
// for activated and already processed; Reason is set for pending manual.
type Outcome struct {
	Status    OutcomeStatus
	EventType string
	SessionID string
	ShopID    string
	Credits   int64
	Reason    string
}
