package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/exchangerate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSnapshot(ctx context.Context, db *gorm.DB, snapshot *domain.RateSnapshot) error {
	return db.WithContext(ctx).Create(snapshot).Error
}

func (r *repo) LatestSnapshot(ctx context.Context, db *gorm.DB) (*domain.RateSnapshot, error) {
	var item domain.RateSnapshot
	err := db.WithContext(ctx).
		Order("fetched_at DESC").
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

// SnapshotAt returns the snapshot whose validity interval contains at.
func (r *repo) SnapshotAt(ctx context.Context, db *gorm.DB, at time.Time) (*domain.RateSnapshot, error) {
	var item domain.RateSnapshot
	err := db.WithContext(ctx).
		Where("fetched_at <= ?", at.UTC()).
		Order("fetched_at DESC").
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

func (r *repo) ListSnapshots(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]domain.RateSnapshot, error) {
	var items []domain.RateSnapshot
	query := db.WithContext(ctx).Order("fetched_at DESC").Order("id DESC")
	if !since.IsZero() {
		query = query.Where("fetched_at >= ?", since.UTC())
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertChangeLog(ctx context.Context, db *gorm.DB, change *domain.RateChangeLog) error {
	return db.WithContext(ctx).Create(change).Error
}

func (r *repo) ListChangeLogs(ctx context.Context, db *gorm.DB, limit int) ([]domain.RateChangeLog, error) {
	var items []domain.RateChangeLog
	query := db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertAlert(ctx context.Context, db *gorm.DB, alert *domain.RateAlert) error {
	return db.WithContext(ctx).Create(alert).Error
}

func (r *repo) FindAlert(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.RateAlert, error) {
	var item domain.RateAlert
	err := db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListAlerts(ctx context.Context, db *gorm.DB, openOnly bool, limit int) ([]domain.RateAlert, error) {
	var items []domain.RateAlert
	query := db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if openOnly {
		query = query.Where("acknowledged = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountOpenAlerts(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.RateAlert{}).
		Where("acknowledged = ?", false).
		Count(&count).Error
	return count, err
}

func (r *repo) AcknowledgeAlert(ctx context.Context, db *gorm.DB, id snowflake.ID, actor string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE rate_alerts
		 SET acknowledged = ?, acknowledged_by = ?, acknowledged_at = ?
		 WHERE id = ? AND acknowledged = ?`,
		true,
		actor,
		at.UTC(),
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
