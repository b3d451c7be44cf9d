package repository

import (
	"context"
	"fmt"

	"github.com/ecodrop/ecodrop-system/internal/model"
)

// ListRewards возвращает призы, отсортированные по стоимости в баллах.
func (r *PostgresRepository) ListRewards(ctx context.Context) ([]model.RewardItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, points_required, image_url FROM reward_items ORDER BY points_required, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var res []model.RewardItem
	for rows.Next() {
		var rw model.RewardItem
		if err := rows.Scan(&rw.ID, &rw.Name, &rw.PointsRequired, &rw.ImageURL); err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		res = append(res, rw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateReward добавляет новый приз.
func (r *PostgresRepository) CreateReward(ctx context.Context, name string, pointsRequired int64, imageURL string) (*model.RewardItem, error) {
	var rw model.RewardItem
	err := r.pool.QueryRow(ctx,
		`INSERT INTO reward_items (name, points_required, image_url) VALUES ($1, $2, $3)
		 RETURNING id, name, points_required, image_url`,
		name, pointsRequired, imageURL,
	).Scan(&rw.ID, &rw.Name, &rw.PointsRequired, &rw.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("insert reward: %w", err)
	}
	return &rw, nil
}

// UpdateReward изменяет существующий приз.
func (r *PostgresRepository) UpdateReward(ctx context.Context, id int64, name string, pointsRequired int64, imageURL string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE reward_items SET name = $2, points_required = $3, image_url = $4 WHERE id = $1`,
		id, name, pointsRequired, imageURL,
	)
	if err != nil {
		return fmt.Errorf("update reward: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRewardNotFound
	}
	return nil
}

// DeleteReward удаляет приз.
func (r *PostgresRepository) DeleteReward(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM reward_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reward: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRewardNotFound
	}
	return nil
}

// GetStats возвращает сводные показатели платформы.
func (r *PostgresRepository) GetStats(ctx context.Context) (*model.Stats, error) {
	var s model.Stats

	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&s.TotalUsers)
	if err != nil {
		return nil, fmt.Errorf("count profiles: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(bottle_count), 0) FROM entries`).Scan(&s.TotalBottles)
	if err != nil {
		return nil, fmt.Errorf("sum bottles: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reward_items`).Scan(&s.AvailableRewards)
	if err != nil {
		return nil, fmt.Errorf("count rewards: %w", err)
	}

	return &s, nil
}

// GetTopProfiles возвращает профили с наибольшим числом баллов.
func (r *PostgresRepository) GetTopProfiles(ctx context.Context, limit int) ([]model.Profile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY total_points DESC, username LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select top profiles: %w", err)
	}
	defer rows.Close()

	var res []model.Profile
	for rows.Next() {
		var p model.Profile
		var userType string
		if err := rows.Scan(&p.ID, &p.Username, &p.FullName, &p.SchoolID, &p.LegacyCode, &userType, &p.TotalPoints, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.UserType = model.UserType(userType)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
