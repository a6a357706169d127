package repository

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/shopcredits/internal/credit/domain"
	pkgdb "github.com/smallbiznis/shopcredits/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500

	// StatusAll disables the status filter in ListPending.
	StatusAll = "all"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ClaimPayment(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, sessionID string) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT session_id, event_id, shop_id, credits, source, rate_source,
		        amount_total, currency, customer_email, actor, note, processed_at
		 FROM credit_payments
		 WHERE session_id = ?
		 LIMIT 1`,
		sessionID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.SessionID == "" {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) InsertPending(ctx context.Context, db *gorm.DB, pending *domain.PendingActivation) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).
		Create(pending)
	if res.Error != nil {
		// A racing insert can still trip the unique session index on dialects
		// without ON CONFLICT support.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPending(ctx context.Context, db *gorm.DB, sessionID string) (*domain.PendingActivation, error) {
	var pending domain.PendingActivation
	err := db.WithContext(ctx).Raw(
		`SELECT id, session_id, event_id, status, reason, credits, rate_source,
		        shop_id_hint, shop_name_hint, client_reference_id, amount_total, currency,
		        customer_email, payload, resolved_shop_id, resolved_by, resolved_at,
		        created_at, updated_at
		 FROM pending_activations
		 WHERE session_id = ?
		 LIMIT 1`,
		sessionID,
	).Scan(&pending).Error
	if err != nil {
		return nil, err
	}
	if pending.SessionID == "" {
		return nil, nil
	}
	return &pending, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, filter domain.PendingFilter) ([]domain.PendingActivation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	if limit > maxPendingLimit {
		limit = maxPendingLimit
	}

	status := strings.TrimSpace(filter.Status)
	if status == "" {
		status = domain.PendingStatusManualReview
	}

	query := db.WithContext(ctx).Model(&domain.PendingActivation{})
	if status != StatusAll {
		query = query.Where("status = ?", status)
	}

	var items []domain.PendingActivation
	if err := query.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkPendingResolved(ctx context.Context, db *gorm.DB, sessionID, shopID, actor string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pending_activations
		 SET status = ?, resolved_shop_id = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		 WHERE session_id = ? AND status = ?`,
		domain.PendingStatusResolved,
		shopID,
		actor,
		at,
		at,
		sessionID,
		domain.PendingStatusManualReview,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
