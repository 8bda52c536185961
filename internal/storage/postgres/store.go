package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultOpTimeout       = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	applicationName        = "orderflow"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// Store держит пул соединений database/sql поверх драйвера pgx.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

type storeOptions struct {
	opTimeout    time.Duration
	maxOpenConns int
}

// Option настраивает Store при открытии.
type Option func(*storeOptions)

// WithOpTimeout ограничивает длительность одной операции репозитория.
func WithOpTimeout(timeout time.Duration) Option {
	return func(o *storeOptions) {
		if timeout > 0 {
			o.opTimeout = timeout
		}
	}
}

// WithMaxOpenConns задаёт размер пула, idle соединений столько же.
func WithMaxOpenConns(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}

// Open разбирает DSN, открывает пул и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	options := storeOptions{opTimeout: defaultOpTimeout, maxOpenConns: defaultMaxOpenConns}
	for _, opt := range opts {
		opt(&options)
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		connConfig.RuntimeParams["application_name"] = applicationName
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(options.maxOpenConns)
	db.SetMaxIdleConns(options.maxOpenConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db, opTimeout: options.opTimeout}, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTimeout ограничивает одну операцию репозитория.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// storageError помечает ошибку драйвера как временную ошибку хранилища.
// Нарушения ограничений схемы повторять бессмысленно, они возвращаются как есть.
func storageError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: constraint %s: %w", op, pgErr.ConstraintName, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}
