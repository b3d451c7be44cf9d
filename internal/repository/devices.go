package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ecodrop/ecodrop-system/internal/model"
)

const deviceColumns = `id, device_name, location, api_key, status, last_heartbeat, total_bottles_processed, created_at`

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	var status string
	err := row.Scan(&d.ID, &d.Name, &d.Location, &d.APIKey, &status, &d.LastHeartbeat, &d.TotalBottlesProcessed, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.Status = model.DeviceStatus(status)
	return &d, nil
}

// GetDeviceByAPIKey возвращает устройство по точному совпадению ключа API.
func (r *PostgresRepository) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*model.Device, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE api_key = $1`,
		apiKey,
	)
	return scanDevice(row)
}

// RecordHeartbeat обновляет статус и время последнего сигнала устройства и
// добавляет запись heartbeat в журнал одной транзакцией.
func (r *PostgresRepository) RecordHeartbeat(ctx context.Context, deviceID int64, status model.DeviceStatus, sensorData json.RawMessage, message string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE devices SET status = $2, last_heartbeat = now() WHERE id = $1`,
		deviceID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO device_logs (device_id, log_type, sensor_data, message) VALUES ($1, $2, $3, $4)`,
		deviceID, string(model.LogTypeHeartbeat), sensorData, message,
	)
	if err != nil {
		return fmt.Errorf("insert heartbeat log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RecordDeviceError переводит устройство в состояние error и добавляет запись
// в журнал одной транзакцией.
func (r *PostgresRepository) RecordDeviceError(ctx context.Context, deviceID int64, sensorData json.RawMessage, message string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE devices SET status = $2 WHERE id = $1`,
		deviceID, string(model.DeviceStatusError),
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO device_logs (device_id, log_type, sensor_data, message) VALUES ($1, $2, $3, $4)`,
		deviceID, string(model.LogTypeError), sensorData, message,
	)
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// AppendDeviceLog добавляет одиночную запись в журнал устройства.
func (r *PostgresRepository) AppendDeviceLog(ctx context.Context, deviceID int64, logType model.LogType, sortResult model.SortResult, sensorData json.RawMessage, message string) error {
	var sort *string
	if sortResult != "" {
		s := string(sortResult)
		sort = &s
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_logs (device_id, log_type, sort_result, sensor_data, message) VALUES ($1, $2, $3, $4, $5)`,
		deviceID, string(logType), sort, sensorData, message,
	)
	if err != nil {
		return fmt.Errorf("insert device log: %w", err)
	}
	return nil
}

// CreateDevice регистрирует новое устройство с выданным ключом API.
func (r *PostgresRepository) CreateDevice(ctx context.Context, name, location, apiKey string) (*model.Device, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO devices (device_name, location, api_key, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+deviceColumns,
		name, location, apiKey, string(model.DeviceStatusOffline),
	)

	d, err := scanDevice(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("create device: duplicate api key: %w", err)
		}
		return nil, fmt.Errorf("create device: %w", err)
	}
	return d, nil
}

// ListDevices возвращает все зарегистрированные устройства.
func (r *PostgresRepository) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY device_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select devices: %w", err)
	}
	defer rows.Close()

	var res []model.Device
	for rows.Next() {
		var d model.Device
		var status string
		if err := rows.Scan(&d.ID, &d.Name, &d.Location, &d.APIKey, &status, &d.LastHeartbeat, &d.TotalBottlesProcessed, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Status = model.DeviceStatus(status)
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
