package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"botvip/internal/models"
)

// GormStore keeps subscribers in the subscribers table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, userID string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) Save(ctx context.Context, sub *models.Subscriber) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(sub).Error
}

func (s *GormStore) FindByCustomer(ctx context.Context, customerRef string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).
		Where("payment_customer_ref = ?", customerRef).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) List(ctx context.Context) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	if err := s.db.WithContext(ctx).Order("user_id").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
