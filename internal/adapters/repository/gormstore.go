package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/okian/proxynas/internal/domain/arch"
	"github.com/okian/proxynas/pkg/logger"
	"github.com/okian/proxynas/pkg/metrics"
)

// archResultRow is the persisted form of a Result.
type archResultRow struct {
	ArchID       int       `gorm:"primaryKey;autoIncrement:false;column:arch_id"`
	RunID        string    `gorm:"type:varchar(64);index;column:run_id"`
	Score        float64   `gorm:"index;column:score"`
	TestAccuracy *float64  `gorm:"column:test_accuracy"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (archResultRow) TableName() string {
	return "proxynas_arch_results"
}

func rowFromResult(r Result) archResultRow { //nolint:gocritic // hugeParam: value semantics
	return archResultRow{
		ArchID:       int(r.ArchID),
		RunID:        r.RunID,
		Score:        r.Score,
		TestAccuracy: r.TestAccuracy,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (row archResultRow) result() Result { //nolint:gocritic // hugeParam: value semantics
	return Result{
		ArchID:       arch.ID(row.ArchID),
		RunID:        row.RunID,
		Score:        row.Score,
		TestAccuracy: row.TestAccuracy,
		UpdatedAt:    row.UpdatedAt,
	}
}

// GormStore keeps results in MySQL through gorm.
type GormStore struct {
	db          *gorm.DB
	autoMigrate bool
	logger      logger.Logger
}

// OpenMySQL connects to dsn and returns a store over it.
func OpenMySQL(ctx context.Context, dsn string, opts ...GormOption) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect result database: %w", err)
	}
	return NewGormStore(ctx, db, opts...)
}

// NewGormStore wraps an open gorm handle, migrating the schema unless disabled.
func NewGormStore(ctx context.Context, db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	s := &GormStore{db: db, autoMigrate: true}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("gorm_store")
	}
	if s.autoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&archResultRow{}); err != nil {
			return nil, fmt.Errorf("migrate result schema: %w", err)
		}
	}
	return s, nil
}

// Record implements Store.Record. The row is claimed with an insert that
// ignores duplicates, so concurrent writers for a new architecture serialise
// on the primary key and the loser merges into the winner's row. Deadlocks
// reported by InnoDB are retried.
func (s *GormStore) Record(ctx context.Context, r Result) (bool, error) { //nolint:gocritic // hugeParam: value semantics
	if !validScore(r.Score) {
		return false, ErrInvalidScore
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	var (
		improved, inserted bool
		err                error
	)
	for attempt := 1; attempt <= maxRecordAttempts; attempt++ {
		improved, inserted, err = s.record(ctx, r)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			break
		}
		s.logger.Warn(ctx, "record result retried",
			logger.Int("arch_id", int(r.ArchID)),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
	}
	if err != nil {
		s.logger.Error(ctx, "record result failed", logger.Int("arch_id", int(r.ArchID)), logger.Error(err))
		return false, fmt.Errorf("record arch %d: %w", r.ArchID, err)
	}
	if inserted {
		if n, err := s.Count(ctx); err == nil {
			metrics.UpdateStoredArchs(n)
		}
	}
	return improved, nil
}

func (s *GormStore) record(ctx context.Context, r Result) (improved, inserted bool, err error) { //nolint:gocritic // hugeParam: value semantics
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := rowFromResult(r)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			improved, inserted = true, true
			return nil
		}

		var row archResultRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("arch_id = ?", int(r.ArchID)).
			First(&row).Error; err != nil {
			return err
		}
		current := row.result()
		var changed bool
		improved, changed = merge(&current, r)
		if !changed {
			return nil
		}
		next := rowFromResult(current)
		return tx.Model(&archResultRow{}).
			Where("arch_id = ?", next.ArchID).
			Updates(map[string]any{
				"run_id":        next.RunID,
				"score":         next.Score,
				"test_accuracy": next.TestAccuracy,
				"updated_at":    next.UpdatedAt,
			}).Error
	})
	return improved, inserted, err
}

const (
	maxRecordAttempts = 3

	mysqlErrDeadlock    = 1213
	mysqlErrLockTimeout = 1205
	mysqlErrDuplicate   = 1062
)

func retryable(err error) bool {
	var myErr *gomysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlErrDeadlock, mysqlErrLockTimeout, mysqlErrDuplicate:
		return true
	}
	return false
}

// Rank counts the rows ranked before id.
func (s *GormStore) Rank(ctx context.Context, id arch.ID) (Entry, error) {
	var row archResultRow
	err := s.db.WithContext(ctx).Where("arch_id = ?", int(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("rank arch %d: %w", id, err)
	}

	var ahead int64
	err = s.db.WithContext(ctx).Model(&archResultRow{}).
		Where("score > ? OR (score = ? AND arch_id < ?)", row.Score, row.Score, row.ArchID).
		Count(&ahead).Error
	if err != nil {
		return Entry{}, fmt.Errorf("rank arch %d: %w", id, err)
	}
	return Entry{Rank: int(ahead) + 1, Result: row.result()}, nil
}

// TopN returns the top n rows.
func (s *GormStore) TopN(ctx context.Context, n int) ([]Entry, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}
	var rows []archResultRow
	err := s.db.WithContext(ctx).
		Order("score DESC").
		Order("arch_id ASC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("top %d: %w", n, err)
	}
	out := make([]Entry, len(rows))
	for i, row := range rows {
		out[i] = Entry{Rank: i + 1, Result: row.result()}
	}
	return out, nil
}

// Count returns the number of rows.
func (s *GormStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&archResultRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
