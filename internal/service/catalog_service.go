package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/waveloc/api/internal/model"
	"github.com/waveloc/api/internal/store"
)

// CatalogService manages the reference entities jobs point at.
type CatalogService struct {
	catalog *store.CatalogStore
}

func NewCatalogService(catalog *store.CatalogStore) *CatalogService {
	return &CatalogService{catalog: catalog}
}

func (s *CatalogService) CreateDataset(ctx context.Context, req *model.CreateDatasetRequest) (*model.Dataset, error) {
	ds := &model.Dataset{
		ID:        uuid.New().String(),
		Name:      req.Name,
		ObjectKey: req.ObjectKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.catalog.CreateDataset(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *CatalogService) CreateRoom(ctx context.Context, req *model.CreateRoomRequest) (*model.Room, error) {
	room := &model.Room{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Length:    req.Length,
		Width:     req.Width,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.catalog.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *CatalogService) CreateMethod(ctx context.Context, req *model.CreateMethodRequest) (*model.Method, error) {
	m := &model.Method{
		ID:        uuid.New().String(),
		Name:      req.Name,
		ObjectKey: req.ObjectKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.catalog.CreateMethod(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *CatalogService) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	return s.catalog.ListDatasets(ctx)
}

func (s *CatalogService) ListRooms(ctx context.Context) ([]model.Room, error) {
	return s.catalog.ListRooms(ctx)
}

func (s *CatalogService) ListMethods(ctx context.Context) ([]model.Method, error) {
	return s.catalog.ListMethods(ctx)
}
