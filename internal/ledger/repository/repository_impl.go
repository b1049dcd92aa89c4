package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	query := db.WithContext(ctx)
	if forUpdate {
		query = pkgdb.ForUpdate(query)
	}
	var item domain.Payment
	err := query.Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindActiveByOrder(ctx context.Context, db *gorm.DB, orderRef string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("order_ref = ? AND status IN ?", orderRef, []domain.Status{domain.StatusPending, domain.StatusProcessing}).
		Order("created_at DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindLatestByOrder(ctx context.Context, db *gorm.DB, orderRef string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("order_ref = ?", orderRef).
		Order("created_at DESC").
		Order("id DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, method domain.Method, externalRef string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("method = ? AND external_ref = ?", method, externalRef).
		Order("created_at DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, orderRef string) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).
		Where("order_ref = ?", orderRef).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, method domain.Method, status domain.Status, limit int) ([]domain.Payment, error) {
	var items []domain.Payment
	query := db.WithContext(ctx).Where("status = ?", status)
	if method != "" {
		query = query.Where("method = ?", method)
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

// UpdateStatus moves the row only if it is still in from. It reports whether a row changed.
func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, externalRef *string, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	if externalRef != nil {
		updates["external_ref"] = *externalRef
	}
	result := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertTransition(ctx context.Context, db *gorm.DB, transition *domain.PaymentTransition) error {
	return db.WithContext(ctx).Create(transition).Error
}

func (r *repo) ListTransitions(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.PaymentTransition, error) {
	var items []domain.PaymentTransition
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
