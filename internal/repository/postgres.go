// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ecodrop/ecodrop-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrProfileNotFound возвращается, если профиль пользователя не найден.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrDeviceNotFound возвращается, если устройство с указанным ключом или id не зарегистрировано.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrRewardNotFound возвращается, если приз не найден.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrInsufficientPoints возвращается при попытке списать больше баллов, чем есть на счёте.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrInvalidQuantity возвращается при неположительном количестве бутылок в начислении.
	ErrInvalidQuantity = errors.New("bottle count must be positive")
	// ErrSchoolIDTaken возвращается, если идентификатор уже закреплён за другим профилем.
	ErrSchoolIDTaken = errors.New("school id already taken")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации, дедлоках и сетевых ошибках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const profileColumns = `id, username, full_name, COALESCE(school_id, ''), COALESCE(legacy_code, ''), user_type, total_points, created_at`

func scanProfile(row pgx.Row) (*model.Profile, error) {
	var p model.Profile
	var userType string
	err := row.Scan(&p.ID, &p.Username, &p.FullName, &p.SchoolID, &p.LegacyCode, &userType, &p.TotalPoints, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.UserType = model.UserType(userType)
	return &p, nil
}

// GetProfileBySchoolID возвращает профиль по точному совпадению идентификатора.
func (r *PostgresRepository) GetProfileBySchoolID(ctx context.Context, schoolID string) (*model.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE school_id = $1`,
		schoolID,
	)
	return scanProfile(row)
}

// GetProfileBySchoolIDFold возвращает профиль по идентификатору без учёта регистра.
func (r *PostgresRepository) GetProfileBySchoolIDFold(ctx context.Context, schoolID string) (*model.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE upper(school_id) = upper($1)`,
		schoolID,
	)
	return scanProfile(row)
}

// GetProfileByUsername возвращает профиль по имени пользователя.
func (r *PostgresRepository) GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE upper(username) = upper($1)`,
		username,
	)
	return scanProfile(row)
}

// GetProfileByLegacyCode возвращает профиль по устаревшему коду, выданному до миграции идентификаторов.
func (r *PostgresRepository) GetProfileByLegacyCode(ctx context.Context, code string) (*model.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE legacy_code = $1`,
		code,
	)
	return scanProfile(row)
}

// SetProfileSchoolID закрепляет идентификатор за профилем, у которого он отсутствует.
func (r *PostgresRepository) SetProfileSchoolID(ctx context.Context, profileID int64, schoolID string) error {
	// Условие school_id IS NULL защищает уже закреплённый идентификатор
	// от перезаписи при конкурирующем самовосстановлении.
	_, err := r.pool.Exec(ctx,
		`UPDATE profiles SET school_id = $2 WHERE id = $1 AND school_id IS NULL`,
		profileID, schoolID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrSchoolIDTaken, schoolID)
		}
		return fmt.Errorf("set school id: %w", err)
	}
	return nil
}
