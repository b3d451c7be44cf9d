package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ecodrop/ecodrop-system/internal/model"
)

// CreditDevice описывает устройство, счётчик и журнал которого обновляются
// вместе с начислением баллов.
type CreditDevice struct {
	ID         int64
	SensorData json.RawMessage
	Message    string
}

// CreditParams описывает параметры начисления баллов.
type CreditParams struct {
	ProfileID       int64
	Bottles         int
	PointsPerBottle int64
	// EventID — клиентский идентификатор события для идемпотентного начисления.
	// Пустая строка отключает защиту от повтора.
	EventID string
	// Device, если задан, получает инкремент счётчика бутылок и запись
	// bottle_sorted в журнале в той же транзакции.
	Device *CreditDevice
}

// CreditPoints атомарно начисляет баллы профилю и создаёт запись о сдаче.
// Обновление баланса, запись о сдаче, счётчик устройства и журнал фиксируются
// одной транзакцией; конкурирующие начисления одному профилю сериализуются
// блокировкой строки, поэтому каждое событие увеличивает баланс ровно один раз.
// Повторное событие с тем же EventID не начисляется второй раз: возвращается
// текущий баланс и признак duplicate. Неположительное количество бутылок
// отклоняется с ErrInvalidQuantity до каких-либо записей.
func (r *PostgresRepository) CreditPoints(ctx context.Context, p CreditParams) (total int64, duplicate bool, err error) {
	err = r.withRetry(ctx, func() error {
		total, duplicate, err = r.creditPoints(ctx, p)
		return err
	})
	return total, duplicate, err
}

func (r *PostgresRepository) creditPoints(ctx context.Context, p CreditParams) (int64, bool, error) {
	if p.Bottles <= 0 {
		return 0, false, ErrInvalidQuantity
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку профиля: конкурирующие начисления и списания по
	// одному счёту выполняются строго по очереди.
	var current int64
	err = tx.QueryRow(ctx, `SELECT total_points FROM profiles WHERE id = $1 FOR UPDATE`, p.ProfileID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrProfileNotFound
		}
		return 0, false, fmt.Errorf("lock profile for update: %w", err)
	}

	points := int64(p.Bottles) * p.PointsPerBottle

	var deviceID *int64
	if p.Device != nil {
		deviceID = &p.Device.ID
	}

	var eventID *string
	if p.EventID != "" {
		eventID = &p.EventID
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO entries (profile_id, device_id, bottle_count, points, event_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (device_id, event_id) WHERE event_id IS NOT NULL DO NOTHING`,
		p.ProfileID, deviceID, p.Bottles, points, eventID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert entry: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		// Событие уже учтено: баланс не меняется.
		if err := tx.Commit(ctx); err != nil {
			return 0, false, fmt.Errorf("commit tx: %w", err)
		}
		return current, true, nil
	}

	var total int64
	err = tx.QueryRow(ctx,
		`UPDATE profiles SET total_points = total_points + $2 WHERE id = $1 RETURNING total_points`,
		p.ProfileID, points,
	).Scan(&total)
	if err != nil {
		return 0, false, fmt.Errorf("update balance: %w", err)
	}

	if p.Device != nil {
		_, err = tx.Exec(ctx,
			`UPDATE devices SET total_bottles_processed = total_bottles_processed + $2 WHERE id = $1`,
			p.Device.ID, p.Bottles,
		)
		if err != nil {
			return 0, false, fmt.Errorf("update device counter: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO device_logs (device_id, log_type, sort_result, sensor_data, message)
			 VALUES ($1, $2, $3, $4, $5)`,
			p.Device.ID, string(model.LogTypeBottleSorted), string(model.SortResultPlastic), p.Device.SensorData, p.Device.Message,
		)
		if err != nil {
			return 0, false, fmt.Errorf("insert sorted log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit tx: %w", err)
	}

	return total, false, nil
}

// Redeem атомарно списывает баллы за приз и создаёт запись о списании.
// Проверка достаточности и списание выполняются под блокировкой строки
// профиля, поэтому уход баланса в минус невозможен.
func (r *PostgresRepository) Redeem(ctx context.Context, profileID, rewardID int64, receiptNumber string) (red *model.Redemption, err error) {
	err = r.withRetry(ctx, func() error {
		red, err = r.redeem(ctx, profileID, rewardID, receiptNumber)
		return err
	})
	return red, err
}

func (r *PostgresRepository) redeem(ctx context.Context, profileID, rewardID int64, receiptNumber string) (*model.Redemption, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `SELECT total_points FROM profiles WHERE id = $1 FOR UPDATE`, profileID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("lock profile for update: %w", err)
	}

	var rewardName string
	var pointsRequired int64
	err = tx.QueryRow(ctx, `SELECT name, points_required FROM reward_items WHERE id = $1`, rewardID).Scan(&rewardName, &pointsRequired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("select reward: %w", err)
	}

	if current < pointsRequired {
		return nil, ErrInsufficientPoints
	}

	_, err = tx.Exec(ctx,
		`UPDATE profiles SET total_points = total_points - $2 WHERE id = $1`,
		profileID, pointsRequired,
	)
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	red := &model.Redemption{
		ProfileID:      profileID,
		RewardID:       rewardID,
		RewardName:     rewardName,
		PointsDeducted: pointsRequired,
		ReceiptNumber:  receiptNumber,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO redemptions (profile_id, reward_id, points_deducted, receipt_number)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		profileID, rewardID, pointsRequired, receiptNumber,
	).Scan(&red.ID, &red.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert redemption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return red, nil
}

// GetActiveRedemptions возвращает списания профиля, созданные строго позже
// since, отсортированные от истекающих раньше к истекающим позже. Списание,
// созданное ровно в since, уже истекло и не попадает в выборку.
func (r *PostgresRepository) GetActiveRedemptions(ctx context.Context, profileID int64, since time.Time) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT rd.id, rd.profile_id, rd.reward_id, rw.name, rd.points_deducted, rd.receipt_number, rd.created_at
		 FROM redemptions rd
		 JOIN reward_items rw ON rw.id = rd.reward_id
		 WHERE rd.profile_id = $1 AND rd.created_at > $2
		 ORDER BY rd.created_at`,
		profileID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var rd model.Redemption
		if err := rows.Scan(&rd.ID, &rd.ProfileID, &rd.RewardID, &rd.RewardName, &rd.PointsDeducted, &rd.ReceiptNumber, &rd.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, rd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetEntriesByProfile возвращает последние записи о сдаче бутылок профиля.
func (r *PostgresRepository) GetEntriesByProfile(ctx context.Context, profileID int64, limit int) ([]model.Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, profile_id, bottle_count, points, created_at
		 FROM entries
		 WHERE profile_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		profileID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	var res []model.Entry
	for rows.Next() {
		var e model.Entry
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.BottleCount, &e.Points, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
