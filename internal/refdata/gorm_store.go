package refdata

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/quantfabric/locates/internal/model"
)

// securityRow mirrors the securities reference table.
type securityRow struct {
	ID             string `gorm:"primaryKey;column:id"`
	Market         string `gorm:"column:market"`
	SettlementDays int    `gorm:"column:settlement_days"`
	Restricted     bool   `gorm:"column:restricted"`
}

func (securityRow) TableName() string { return "ref_securities" }

// clientRow mirrors the clients reference table.
type clientRow struct {
	ID           string `gorm:"primaryKey;column:id"`
	Name         string `gorm:"column:name"`
	MaxShortQty  int64  `gorm:"column:max_short_qty"`
	MaxLocateQty int64  `gorm:"column:max_locate_qty"`
}

func (clientRow) TableName() string { return "ref_clients" }

// unitRow mirrors the aggregation-units reference table.
type unitRow struct {
	ID           string `gorm:"primaryKey;column:id"`
	Desk         string `gorm:"column:desk"`
	MaxShortQty  int64  `gorm:"column:max_short_qty"`
	MaxLocateQty int64  `gorm:"column:max_locate_qty"`
}

func (unitRow) TableName() string { return "ref_aggregation_units" }

// GormStore serves reference data from postgres. Read-only to the core;
// rows are maintained by the upstream reference-data system.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a postgres-backed reference store and ensures the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open reference database: %w", err)
	}
	if err := db.AutoMigrate(&securityRow{}, &clientRow{}, &unitRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate reference schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an existing gorm handle (tests use sqlite or mocks).
func NewGormStoreWithDB(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) Security(ctx context.Context, securityID string) (model.Security, Freshness) {
	var row securityRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", securityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Security{}, Missing
		}
		return model.Security{}, Stale
	}
	return model.Security{
		ID:             row.ID,
		Market:         row.Market,
		SettlementDays: row.SettlementDays,
		Restricted:     row.Restricted,
	}, Available
}

func (s *GormStore) ClientLimit(ctx context.Context, clientID string) (model.Limit, Freshness) {
	var row clientRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", clientID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Limit{}, Missing
		}
		return model.Limit{}, Stale
	}
	return model.Limit{MaxShortQty: row.MaxShortQty, MaxLocateQty: row.MaxLocateQty}, Available
}

func (s *GormStore) UnitLimit(ctx context.Context, unitID string) (model.Limit, Freshness) {
	var row unitRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", unitID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Limit{}, Missing
		}
		return model.Limit{}, Stale
	}
	return model.Limit{MaxShortQty: row.MaxShortQty, MaxLocateQty: row.MaxLocateQty}, Available
}
