package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/mobiletransfer/domain"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.VerificationRequest) error {
	return db.WithContext(ctx).Create(req).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.VerificationRequest, error) {
	query := db.WithContext(ctx)
	if forUpdate {
		query = pkgdb.ForUpdate(query)
	}
	return first(query.Where("id = ?", id))
}

func (r *repo) FindByPayment(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (*domain.VerificationRequest, error) {
	return first(db.WithContext(ctx).Where("payment_id = ?", paymentID))
}

func (r *repo) FindLatestByOrder(ctx context.Context, db *gorm.DB, orderRef string) (*domain.VerificationRequest, error) {
	return first(db.WithContext(ctx).
		Where("order_ref = ?", orderRef).
		Order("created_at DESC").
		Order("id DESC"))
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.Status, createdBefore *time.Time, limit int) ([]domain.VerificationRequest, error) {
	var items []domain.VerificationRequest
	query := db.WithContext(ctx).Where("status = ?", status)
	if createdBefore != nil {
		query = query.Where("created_at < ?", *createdBefore)
	}
	query = query.Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountByCustomerSince(ctx context.Context, db *gorm.DB, customerRef string, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.VerificationRequest{}).
		Where("customer_ref = ? AND created_at >= ?", customerRef, since).
		Count(&count).Error
	return count, err
}

// Decide settles a pending request. It reports false when the request was no longer pending.
func (r *repo) Decide(ctx context.Context, db *gorm.DB, id snowflake.ID, to domain.Status, actor string, reason *string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.VerificationRequest{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":          to,
			"decided_by":      actor,
			"decision_reason": reason,
			"decided_at":      at,
			"updated_at":      at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func first(query *gorm.DB) (*domain.VerificationRequest, error) {
	var item domain.VerificationRequest
	err := query.First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
