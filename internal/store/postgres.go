package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
)

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	var dsn string
	if cfg.Password != "" {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	} else {
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("postgres connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateNotification(ctx context.Context, n *notification.Notification) error {
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, user_id, type, title, message, priority,
			channels, status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = p.pool.Exec(ctx, query,
		n.ID, n.UserID, n.Type, n.Title, n.Message, string(n.Priority),
		channels, string(n.Status), metadata, n.CreatedAt,
	)
	if err != nil {
		p.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *Postgres) GetNotification(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, priority,
		       channels, status, metadata, created_at
		FROM notifications
		WHERE id = $1
	`
	n, err := scanNotification(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, status notification.Status) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE notifications SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListByUser(ctx context.Context, userID string, f ListFilter) ([]*notification.Notification, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if f.Status != "" {
		rows, err = p.pool.Query(ctx, `
			SELECT id, user_id, type, title, message, priority,
			       channels, status, metadata, created_at
			FROM notifications
			WHERE user_id = $1 AND status = $2
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4
		`, userID, string(f.Status), limit, f.Offset)
	} else {
		rows, err = p.pool.Query(ctx, `
			SELECT id, user_id, type, title, message, priority,
			       channels, status, metadata, created_at
			FROM notifications
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`, userID, limit, f.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (p *Postgres) ListByTimeRange(ctx context.Context, from, to time.Time) ([]*notification.Notification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, type, title, message, priority,
		       channels, status, metadata, created_at
		FROM notifications
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query notifications by range: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (p *Postgres) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND status NOT IN ('read', 'failed')
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (p *Postgres) MarkRead(ctx context.Context, id uuid.UUID) error {
	return p.UpdateStatus(ctx, id, notification.StatusRead)
}

func (p *Postgres) MarkAllRead(ctx context.Context, userID string) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE notifications SET status = 'read'
		WHERE user_id = $1 AND status != 'read'
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var n notification.Notification
	var priority, status string
	var channels, metadata []byte

	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message,
		&priority, &channels, &status, &metadata, &n.CreatedAt)
	if err != nil {
		return nil, err
	}

	n.Priority = notification.Priority(priority)
	n.Status = notification.Status(status)
	if err := json.Unmarshal(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*notification.Notification, error) {
	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
