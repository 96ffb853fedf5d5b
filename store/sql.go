package store

/* This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/. */

import (
	"context"
	"log"
	"time"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type objectModel struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	ObjectType uint32    `gorm:"not null"`
	State      uint32    `gorm:"not null;index"`
	UsageMask  int64     `gorm:"not null"`
	Algorithm  uint32    `gorm:"not null;default:0"`
	Length     int       `gorm:"not null;default:0"`
	Value      []byte    `gorm:"type:blob"`
	Owner      string    `gorm:"type:varchar(255);index"`
	PolicyName string    `gorm:"type:varchar(255);not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (objectModel) TableName() string {
	return "managed_objects"
}

func (m *objectModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *objectModel) toObject() *ManagedObject {
	return &ManagedObject{
		ID:         m.ID,
		ObjectType: kmip14.ObjectType(m.ObjectType),
		State:      kmip14.State(m.State),
		UsageMask:  kmip14.CryptographicUsageMask(m.UsageMask),
		Algorithm:  kmip14.CryptographicAlgorithm(m.Algorithm),
		Length:     m.Length,
		Value:      append([]byte(nil), m.Value...),
		Owner:      m.Owner,
		PolicyName: m.PolicyName,
		CreatedAt:  m.CreatedAt,
	}
}

// SQLStore keeps managed objects in a SQLite database (database_path)
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (creating if needed) the SQLite database at path and
// migrates the object table.
//
// If l is nil, gorm logging is discarded.
func OpenSQLStore(path string, l *log.Logger) (*SQLStore, error) {
	gormLog := gormlogger.Default.LogMode(gormlogger.Silent)
	if l != nil {
		gormLog = gormlogger.New(l, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening object database %q", path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "error accessing object database handle")
	}

	// SQLite serializes writers anyway, and a single connection keeps
	// ":memory:" databases alive across calls.
	sqlDB.SetMaxOpenConns(1)

	if err = db.AutoMigrate(&objectModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "error migrating object database")
	}

	return &SQLStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get implements ObjectStore.
func (s *SQLStore) Get(ctx context.Context, id string) (*ManagedObject, error) {
	var m objectModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "object %q", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error loading object %q", id)
	}
	return m.toObject(), nil
}

// Create implements ObjectStore. An identifier is generated when obj.ID is empty.
func (s *SQLStore) Create(ctx context.Context, obj *ManagedObject) (string, error) {
	policyName := obj.PolicyName
	if policyName == "" {
		policyName = DefaultPolicyName
	}

	m := &objectModel{
		ID:         obj.ID,
		ObjectType: uint32(obj.ObjectType),
		State:      uint32(obj.State),
		UsageMask:  int64(obj.UsageMask),
		Algorithm:  uint32(obj.Algorithm),
		Length:     obj.Length,
		Value:      obj.Value,
		Owner:      obj.Owner,
		PolicyName: policyName,
	}

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return "", errors.Wrap(err, "error storing object")
	}
	return m.ID, nil
}

// SetState implements ObjectStore.
func (s *SQLStore) SetState(ctx context.Context, id string, state kmip14.State) error {
	res := s.db.WithContext(ctx).Model(&objectModel{}).Where("id = ?", id).Update("state", uint32(state))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "error updating state of object %q", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "object %q", id)
	}
	return nil
}

// Destroy implements ObjectStore.
func (s *SQLStore) Destroy(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&objectModel{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "error destroying object %q", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "object %q", id)
	}
	return nil
}
