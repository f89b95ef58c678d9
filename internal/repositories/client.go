package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/erfinfo/efc-backup/internal/db"
)

// gormClientRepository is the GORM implementation of ClientRepository.
type gormClientRepository struct {
	db *gorm.DB
}

// NewClientRepository returns a ClientRepository backed by the provided *gorm.DB.
func NewClientRepository(gdb *gorm.DB) ClientRepository {
	return &gormClientRepository{db: gdb}
}

// Upsert creates a client, or updates it in place if a soft-deleted or
// active record with the same name already exists.
func (r *gormClientRepository) Upsert(ctx context.Context, client *db.Client) error {
	var existing db.Client
	err := r.db.WithContext(ctx).Unscoped().First(&existing, "name = ?", client.Name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.db.WithContext(ctx).Create(client).Error; err != nil {
			return fmt.Errorf("clients: upsert create: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("clients: upsert lookup: %w", err)
	}

	client.ID = existing.ID
	if err := r.db.WithContext(ctx).Unscoped().Model(&existing).Updates(client).Error; err != nil {
		return fmt.Errorf("clients: upsert update: %w", err)
	}
	return nil
}

// GetByID retrieves an active client by its UUID.
func (r *gormClientRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Client, error) {
	var c db.Client
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get by id: %w", err)
	}
	return &c, nil
}

// GetByName retrieves an active client by its unique name.
func (r *gormClientRepository) GetByName(ctx context.Context, name string) (*db.Client, error) {
	var c db.Client
	if err := r.db.WithContext(ctx).First(&c, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get by name: %w", err)
	}
	return &c, nil
}

// Update persists all fields of an existing client record.
func (r *gormClientRepository) Update(ctx context.Context, client *db.Client) error {
	result := r.db.WithContext(ctx).Save(client)
	if result.Error != nil {
		return fmt.Errorf("clients: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a client as deleted. GORM's soft-delete filters it out of
// subsequent queries unless Unscoped() is used explicitly.
func (r *gormClientRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Client{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("clients: soft delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of clients and the total count.
func (r *gormClientRepository) List(ctx context.Context, opts ListOptions) ([]db.Client, int64, error) {
	var clients []db.Client
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Client{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("name ASC").
		Find(&clients).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list: %w", err)
	}
	return clients, total, nil
}

// ListActive returns every client with Active = true, used by the scheduler
// to fan out a batch run.
func (r *gormClientRepository) ListActive(ctx context.Context) ([]db.Client, error) {
	var clients []db.Client
	if err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC").
		Find(&clients).Error; err != nil {
		return nil, fmt.Errorf("clients: list active: %w", err)
	}
	return clients, nil
}
