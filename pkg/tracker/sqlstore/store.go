// Package sqlstore keeps the program bookkeeping table in a relational
// database through gorm. PostgreSQL and MySQL/MariaDB are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quarks-tech/txlog-dispatcher/pkg/tracker"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"

	DefaultTable = "etl_prmrec"
)

var ErrUnknownDialect = errors.New("sqlstore: unknown dialect")

type Config struct {
	Dialect string
	DSN     string
	Table   string
	// AutoMigrate creates or updates the table on open.
	AutoMigrate bool
	PingTimeout time.Duration
}

type Store struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector

	switch cfg.Dialect {
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DialectMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", cfg.Dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve %s sql db handle: %w", cfg.Dialect, err)
	}

	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()

	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Dialect, err)
	}

	s := New(db, cfg.Table)

	if cfg.AutoMigrate {
		if err = s.db.Table(s.table).AutoMigrate(&programRow{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}

	return s, nil
}

// New wraps an open connection. An empty table uses DefaultTable.
func New(db *gorm.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}

	return &Store{db: db, table: table, now: time.Now}
}

func (s *Store) Watermark(ctx context.Context, name string) (time.Time, bool, error) {
	var row programRow

	err := s.db.WithContext(ctx).Table(s.table).
		Select("last_successful_time").
		Where("program_name = ?", name).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark of %q: %w", name, err)
	}

	if row.LastSuccessfulTime == nil {
		return time.Time{}, false, nil
	}

	return row.LastSuccessfulTime.UTC(), true, nil
}

// SetWatermark merges run into the program row under a row lock, creating
// the row when it does not exist yet.
func (s *Store) SetWatermark(ctx context.Context, name string, run tracker.Run) error {
	if name == "" {
		return tracker.ErrEmptyName
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var row programRow

		err := tx.Table(s.table).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("program_name = ?", name).
			Take(&row).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p := tracker.Apply(tracker.NewProgram(name, now), run, now)
			return tx.Table(s.table).Create(fromProgram(p)).Error
		case err != nil:
			return err
		}

		current := row.toProgram()
		if tracker.Applied(current, run) {
			return nil
		}

		p := tracker.Apply(current, run, now)

		return tx.Table(s.table).
			Where("program_name = ?", name).
			Select("*").
			Omit("program_name", "created_at").
			Updates(fromProgram(p)).Error
	})
	if err != nil {
		return fmt.Errorf("write run of %q: %w", name, err)
	}

	return nil
}

func (s *Store) Ensure(ctx context.Context, name string) error {
	if name == "" {
		return tracker.ErrEmptyName
	}

	row := fromProgram(tracker.NewProgram(name, s.now().UTC()))

	err := s.db.WithContext(ctx).Table(s.table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("ensure program %q: %w", name, err)
	}

	return nil
}

func (s *Store) Program(ctx context.Context, name string) (tracker.Program, bool, error) {
	var row programRow

	err := s.db.WithContext(ctx).Table(s.table).
		Where("program_name = ?", name).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tracker.Program{}, false, nil
	}

	if err != nil {
		return tracker.Program{}, false, fmt.Errorf("read program %q: %w", name, err)
	}

	return row.toProgram(), true, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
