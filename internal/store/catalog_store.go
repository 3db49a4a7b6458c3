package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/waveloc/api/internal/apperr"
	"github.com/waveloc/api/internal/model"
)

// CatalogStore serves the reference entities a job points at: datasets,
// rooms and methods.
type CatalogStore struct {
	db *gorm.DB
}

func NewCatalogStore(s *Store) *CatalogStore {
	return &CatalogStore{db: s.db}
}

func (s *CatalogStore) exists(ctx context.Context, mdl interface{}, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(mdl).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, apperr.Transient(err)
	}
	return count > 0, nil
}

func (s *CatalogStore) DatasetExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, &model.Dataset{}, id)
}

func (s *CatalogStore) RoomExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, &model.Room{}, id)
}

func (s *CatalogStore) MethodExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, &model.Method{}, id)
}

// GetDataset returns the dataset row; the worker needs its object key.
func (s *CatalogStore) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var ds model.Dataset
	if err := s.db.WithContext(ctx).First(&ds, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrReferenceNotFound
		}
		return nil, apperr.Transient(err)
	}
	return &ds, nil
}

// GetMethod returns the method row; the worker needs its object key.
func (s *CatalogStore) GetMethod(ctx context.Context, id string) (*model.Method, error) {
	var m model.Method
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrReferenceNotFound
		}
		return nil, apperr.Transient(err)
	}
	return &m, nil
}

func (s *CatalogStore) CreateDataset(ctx context.Context, ds *model.Dataset) error {
	if err := s.db.WithContext(ctx).Create(ds).Error; err != nil {
		return apperr.Transient(err)
	}
	return nil
}

func (s *CatalogStore) CreateRoom(ctx context.Context, room *model.Room) error {
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return apperr.Transient(err)
	}
	return nil
}

func (s *CatalogStore) CreateMethod(ctx context.Context, m *model.Method) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apperr.Transient(err)
	}
	return nil
}

func (s *CatalogStore) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	var out []model.Dataset
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Transient(err)
	}
	return out, nil
}

func (s *CatalogStore) ListRooms(ctx context.Context) ([]model.Room, error) {
	var out []model.Room
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Transient(err)
	}
	return out, nil
}

func (s *CatalogStore) ListMethods(ctx context.Context) ([]model.Method, error) {
	var out []model.Method
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Transient(err)
	}
	return out, nil
}
