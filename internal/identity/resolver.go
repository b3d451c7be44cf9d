package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ecodrop/ecodrop-system/internal/model"
	"github.com/ecodrop/ecodrop-system/internal/repository"
)

// ErrNotFound возвращается, когда ни один из способов поиска не дал результата.
var ErrNotFound = errors.New("identity not found")

// LookupMethod описывает способ, которым код был сопоставлен с профилем.
type LookupMethod string

const (
	LookupSchoolID           LookupMethod = "school_id"
	LookupSchoolIDFormatted  LookupMethod = "school_id_formatted"
	LookupFacultyIDFormatted LookupMethod = "faculty_id_formatted"
	LookupSchoolIDFold       LookupMethod = "school_id_case_insensitive"
	LookupUsername           LookupMethod = "username"
	LookupLegacyCode         LookupMethod = "legacy_code"
)

// Store описывает контракт доступа к профилям, используемый резолвером.
type Store interface {
	GetProfileBySchoolID(ctx context.Context, schoolID string) (*model.Profile, error)
	GetProfileBySchoolIDFold(ctx context.Context, schoolID string) (*model.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error)
	GetProfileByLegacyCode(ctx context.Context, code string) (*model.Profile, error)
	SetProfileSchoolID(ctx context.Context, profileID int64, schoolID string) error
}

// Resolver сопоставляет отсканированный код с профилем пользователя.
// Цепочка способов поиска фиксирована: результат детерминирован при
// неизменных данных, поиск останавливается на первом совпадении.
type Resolver struct {
	store Store
}

// NewResolver создаёт резолвер поверх указанного хранилища профилей.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve находит профиль по отсканированному коду и сообщает способ поиска.
// Возвращает ErrNotFound, если цепочка исчерпана.
func (r *Resolver) Resolve(ctx context.Context, code string) (*model.Profile, LookupMethod, error) {
	clean := Normalize(code)
	if clean == "" {
		return nil, "", ErrNotFound
	}

	p, err := r.store.GetProfileBySchoolID(ctx, clean)
	if err == nil {
		return p, LookupSchoolID, nil
	}
	if !errors.Is(err, repository.ErrProfileNotFound) {
		return nil, "", fmt.Errorf("lookup by school id: %w", err)
	}

	if formatted, ok := FormatStudentID(clean); ok {
		p, err = r.store.GetProfileBySchoolID(ctx, formatted)
		if err == nil {
			return p, LookupSchoolIDFormatted, nil
		}
		if !errors.Is(err, repository.ErrProfileNotFound) {
			return nil, "", fmt.Errorf("lookup by formatted school id: %w", err)
		}
	}

	if formatted, ok := FormatFacultyID(clean); ok {
		p, err = r.store.GetProfileBySchoolID(ctx, formatted)
		if err == nil {
			return p, LookupFacultyIDFormatted, nil
		}
		if !errors.Is(err, repository.ErrProfileNotFound) {
			return nil, "", fmt.Errorf("lookup by formatted faculty id: %w", err)
		}
	}

	p, err = r.store.GetProfileBySchoolIDFold(ctx, clean)
	if err == nil {
		return p, LookupSchoolIDFold, nil
	}
	if !errors.Is(err, repository.ErrProfileNotFound) {
		return nil, "", fmt.Errorf("lookup by school id case-insensitive: %w", err)
	}

	p, err = r.store.GetProfileByUsername(ctx, clean)
	if err == nil {
		// Самовосстановление: профиль найден по имени пользователя,
		// но идентификатор не заполнен.
		if p.SchoolID == "" {
			if err := r.store.SetProfileSchoolID(ctx, p.ID, clean); err != nil {
				return nil, "", fmt.Errorf("backfill school id: %w", err)
			}
			p.SchoolID = clean
		}
		return p, LookupUsername, nil
	}
	if !errors.Is(err, repository.ErrProfileNotFound) {
		return nil, "", fmt.Errorf("lookup by username: %w", err)
	}

	p, err = r.store.GetProfileByLegacyCode(ctx, clean)
	if err == nil {
		return p, LookupLegacyCode, nil
	}
	if !errors.Is(err, repository.ErrProfileNotFound) {
		return nil, "", fmt.Errorf("lookup by legacy code: %w", err)
	}

	return nil, "", ErrNotFound
}
