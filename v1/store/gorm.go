package store

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	defaultGormTableName = "lockable_leases"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLease is the row stored for every lock name.
type gormLease struct {
	Name      string `gorm:"primaryKey;column:name"`
	ExpiresAt int64  `gorm:"column:expires_at;not null"`
}

// GormStore implements Store on any SQL database GORM can drive.
//
// Update runs inside one database transaction and reads the row with
// SELECT ... FOR UPDATE on dialects that support row locks. The write is
// conditional on what was read: a missing row is inserted with ON
// CONFLICT DO NOTHING and an existing row is updated only while it still
// holds the expiry read, so two transactions that both saw no row cannot
// both win. SQLite has no row locks; open it with _txlock=immediate so
// the transaction takes the write lock up front.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name. Default "lockable_leases".
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		if name != "" {
			o.tableName = name
		}
	}
}

// WithGormTimeout sets the per-operation timeout. Default 5s.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewGormStore returns a GormStore and creates its table when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	if db == nil {
		return nil, ErrNilClient
	}
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormLease{}); err != nil {
			return nil, err
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
	}, nil
}

// Update implements Store.Update.
func (s *GormStore) Update(ctx context.Context, name string, fn UpdateFunc) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	ctx, span := tracer.Start(ctx, "GormStore.Update", trace.WithAttributes(attribute.String("lockable.name", name)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	written := false
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Table(s.tableName)
		if s.db.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row gormLease
		found := true
		err := q.Where("name = ?", name).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found, err = false, nil
		}
		if err != nil {
			return err
		}

		next, write := fn(row.ExpiresAt, found)
		if !write {
			return nil
		}
		var res *gorm.DB
		if found {
			res = tx.Table(s.tableName).
				Where("name = ? AND expires_at = ?", name, row.ExpiresAt).
				Update("expires_at", next)
		} else {
			res = tx.Table(s.tableName).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&gormLease{Name: name, ExpiresAt: next})
		}
		if res.Error != nil {
			return res.Error
		}
		written = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		err = lockerrors.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return written, nil
}

// Delete implements Store.Delete.
func (s *GormStore) Delete(ctx context.Context, name string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.db.WithContext(cctx).Table(s.tableName).Where("name = ?", name).Delete(&gormLease{}).Error
	return lockerrors.Classify(err)
}

// DeleteIf implements Store.DeleteIf.
func (s *GormStore) DeleteIf(ctx context.Context, name string, expiresAt int64) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.db.WithContext(cctx).Table(s.tableName).
		Where("name = ? AND expires_at = ?", name, expiresAt).
		Delete(&gormLease{})
	if res.Error != nil {
		return false, lockerrors.Classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}
