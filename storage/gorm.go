package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/songzhibin97/activity-flow/types"
)

type DefinitionPo struct {
	Name      string `gorm:"column:name;primaryKey;size:255"`
	Body      string `gorm:"column:body;type:text"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (DefinitionPo) TableName() string {
	return "workflow_definition"
}

type InstancePo struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	Definition string `gorm:"column:definition;index;size:255"`
	Completed  bool   `gorm:"column:completed;index"`
	Body       string `gorm:"column:body;type:text"`
	CreatedAt  int64  `gorm:"column:created_at"`
	UpdatedAt  int64  `gorm:"column:updated_at"`
}

func (InstancePo) TableName() string {
	return "workflow_instance"
}

// GormStorage stores snapshots in a relational database through GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage wraps db. Call AutoMigrate before first use on an empty
// schema.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// AutoMigrate creates or updates the snapshot tables.
func (s *GormStorage) AutoMigrate(ctx context.Context) error {
	if err := s.GetDBWithContext(ctx).AutoMigrate(&DefinitionPo{}, &InstancePo{}); err != nil {
		return errors.WithMessage(err, "AutoMigrate failed")
	}
	return nil
}

func (s *GormStorage) GetDBWithContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func upsert() clause.Expression {
	return clause.OnConflict{UpdateAll: true}
}

// SaveDefinition implements Storage.
func (s *GormStorage) SaveDefinition(ctx context.Context, rec types.DefinitionRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid definition record: %w", err)
	}
	po := &DefinitionPo{
		Name:      rec.Name,
		Body:      rec.Body,
		UpdatedAt: millisOrNow(rec.UpdatedAt),
	}
	if err := s.GetDBWithContext(ctx).Clauses(upsert()).Create(po).Error; err != nil {
		return errors.WithMessagef(err, "SaveDefinition %q failed", rec.Name)
	}
	return nil
}

// GetDefinition implements Storage.
func (s *GormStorage) GetDefinition(ctx context.Context, name string) (types.DefinitionRecord, error) {
	var po DefinitionPo
	err := s.GetDBWithContext(ctx).Where("name = ?", name).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.DefinitionRecord{}, fmt.Errorf("%w: key=%s", ErrNotFound, name)
	} else if err != nil {
		return types.DefinitionRecord{}, errors.WithMessagef(err, "GetDefinition %q failed", name)
	}
	return types.DefinitionRecord{
		Name:      po.Name,
		Body:      po.Body,
		UpdatedAt: po.UpdatedAt,
	}, nil
}

// SaveInstance implements Storage.
func (s *GormStorage) SaveInstance(ctx context.Context, rec types.InstanceRecord) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("invalid instance record: %w", err)
	}
	po := &InstancePo{
		ID:         rec.ID,
		Definition: rec.Definition,
		Completed:  rec.Completed,
		Body:       rec.Body,
		CreatedAt:  millisOrNow(rec.CreatedAt),
		UpdatedAt:  millisOrNow(rec.UpdatedAt),
	}
	err := s.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"definition", "completed", "body", "updated_at"}),
	}).Create(po).Error
	if err != nil {
		return errors.WithMessagef(err, "SaveInstance %d failed", rec.ID)
	}
	return nil
}

// GetInstance implements Storage.
func (s *GormStorage) GetInstance(ctx context.Context, id uint64) (types.InstanceRecord, error) {
	var po InstancePo
	err := s.GetDBWithContext(ctx).Where("id = ?", id).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.InstanceRecord{}, fmt.Errorf("%w: key=%d", ErrNotFound, id)
	} else if err != nil {
		return types.InstanceRecord{}, errors.WithMessagef(err, "GetInstance %d failed", id)
	}
	return types.InstanceRecord{
		ID:         po.ID,
		Definition: po.Definition,
		Completed:  po.Completed,
		Body:       po.Body,
		CreatedAt:  po.CreatedAt,
		UpdatedAt:  po.UpdatedAt,
	}, nil
}

// ClearCompleted implements Storage.
func (s *GormStorage) ClearCompleted(ctx context.Context) error {
	if err := s.GetDBWithContext(ctx).Where("completed = ?", true).Delete(&InstancePo{}).Error; err != nil {
		return errors.WithMessage(err, "ClearCompleted failed")
	}
	return nil
}

func millisOrNow(ms int64) int64 {
	if ms == 0 {
		return time.Now().UnixMilli()
	}
	return ms
}
