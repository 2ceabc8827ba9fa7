// internal/repository/device_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lab-bench/internal/database"
	"lab-bench/internal/model"
)

// deviceRepository implements DeviceRepository interface
type deviceRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *database.DB, logger *zap.Logger) DeviceRepository {
	return &deviceRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts or refreshes a device record
func (r *deviceRepository) Upsert(ctx context.Context, record *model.DeviceRecord) error {
	query := `
		INSERT INTO devices (
			target, transport, protocol, baud_rate, manufacturer, name,
			serial, version, extra, first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (target) DO UPDATE SET
			transport = EXCLUDED.transport, protocol = EXCLUDED.protocol,
			baud_rate = EXCLUDED.baud_rate, manufacturer = EXCLUDED.manufacturer,
			name = EXCLUDED.name, serial = EXCLUDED.serial, version = EXCLUDED.version,
			extra = EXCLUDED.extra, last_seen = EXCLUDED.last_seen
	`

	_, err := r.db.ExecContext(ctx, query,
		record.Target, record.Transport, record.Protocol, record.BaudRate,
		record.Manufacturer, record.Name, record.Serial, record.Version,
		record.Extra, record.LastSeen,
	)
	if err != nil {
		r.logger.Error("Failed to upsert device", zap.Error(err), zap.String("target", record.Target))
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	r.logger.Debug("Device record saved", zap.String("target", record.Target))
	return nil
}

// GetByTarget retrieves a device by its port target
func (r *deviceRepository) GetByTarget(ctx context.Context, target string) (*model.DeviceRecord, error) {
	query := `
		SELECT target, transport, protocol, baud_rate, manufacturer, name,
			   serial, version, extra, first_seen, last_seen
		FROM devices WHERE target = $1
	`

	record, err := scanDevice(r.db.QueryRowContext(ctx, query, target))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: device %s", ErrNotFound, target)
		}
		r.logger.Error("Failed to get device", zap.Error(err), zap.String("target", target))
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return record, nil
}

// List retrieves device records with filtering
func (r *deviceRepository) List(ctx context.Context, filter *DeviceFilter) ([]*model.DeviceRecord, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if filter != nil && filter.Protocol != nil {
		conditions = append(conditions, fmt.Sprintf("protocol = $%d", argIndex))
		args = append(args, *filter.Protocol)
		argIndex++
	}
	if filter != nil && filter.Name != nil {
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", argIndex))
		args = append(args, "%"+*filter.Name+"%")
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT target, transport, protocol, baud_rate, manufacturer, name,
			   serial, version, extra, first_seen, last_seen
		FROM devices %s
		ORDER BY last_seen DESC
	`, whereClause)
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list devices", zap.Error(err))
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	records := []*model.DeviceRecord{}
	for rows.Next() {
		record, err := scanDevice(rows)
		if err != nil {
			r.logger.Error("Failed to scan device", zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Delete removes a device record
func (r *deviceRepository) Delete(ctx context.Context, target string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE target = $1`, target)
	if err != nil {
		r.logger.Error("Failed to delete device", zap.Error(err), zap.String("target", target))
		return fmt.Errorf("failed to delete device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, target)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*model.DeviceRecord, error) {
	record := &model.DeviceRecord{}
	err := row.Scan(
		&record.Target, &record.Transport, &record.Protocol, &record.BaudRate,
		&record.Manufacturer, &record.Name, &record.Serial, &record.Version,
		&record.Extra, &record.FirstSeen, &record.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}
