package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/fanout/common"
	"github.com/maxpert/fanout/dispatch"
	"github.com/maxpert/fanout/encoding"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	tableConnections   = "connections"
	tableSubscriptions = "subscriptions"
	tableEvents        = "subscription_events"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		legacy INTEGER NOT NULL DEFAULT 0,
		endpoint TEXT NOT NULL DEFAULT '',
		connected_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
		operation_id TEXT NOT NULL,
		operation BLOB NOT NULL,
		PRIMARY KEY (connection_id, operation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS subscription_events (
		event TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		operation_id TEXT NOT NULL,
		PRIMARY KEY (event, connection_id, operation_id),
		FOREIGN KEY (connection_id, operation_id)
			REFERENCES subscriptions(connection_id, operation_id) ON DELETE CASCADE
	)`,
}

// SQLiteStore is a Store backed by a SQLite database. Queries are built with goqu.
type SQLiteStore struct {
	db       *sql.DB
	dialect  goqu.DialectWrapper
	pageSize int
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite registry at path
func NewSQLiteStore(path string, pageSize int) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	} else {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry at %s: %w", path, err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create registry schema: %w", err)
		}
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &SQLiteStore{
		db:       db,
		dialect:  goqu.Dialect("sqlite3"),
		pageSize: pageSize,
	}, nil
}

func (s *SQLiteStore) PutConnection(ctx context.Context, conn common.Connection) error {
	if conn.ID == "" {
		return fmt.Errorf("connection id is required")
	}

	query, args, err := s.dialect.Insert(tableConnections).
		Rows(goqu.Record{
			"id":           conn.ID,
			"legacy":       conn.Legacy,
			"endpoint":     conn.Endpoint,
			"connected_at": conn.ConnectedAt,
		}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"legacy":       goqu.L("excluded.legacy"),
			"endpoint":     goqu.L("excluded.endpoint"),
			"connected_at": goqu.L("excluded.connected_at"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (common.Connection, error) {
	var conn common.Connection

	query, args, err := s.dialect.From(tableConnections).
		Select("id", "legacy", "endpoint", "connected_at").
		Where(goqu.Ex{"id": id}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return conn, err
	}

	err = s.db.QueryRowContext(ctx, query, args...).Scan(&conn.ID, &conn.Legacy, &conn.Endpoint, &conn.ConnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conn, ErrNotFound
	}
	return conn, err
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	query, args, err := s.dialect.Delete(tableConnections).
		Where(goqu.Ex{"id": id}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Str("connection", id).Msg("Removed connection from registry")
	}
	return nil
}

func (s *SQLiteStore) PutSubscription(ctx context.Context, connectionID, operationID string, op common.Operation) (err error) {
	if err := validateSubscription(connectionID, operationID, op); err != nil {
		return err
	}

	blob, err := encoding.Marshal(&op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists int
	countQuery, countArgs, err := s.dialect.From(tableConnections).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{"id": connectionID}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if err = tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		err = ErrUnknownConnection
		return err
	}

	if err = s.deleteSubscriptionTx(ctx, tx, connectionID, operationID); err != nil {
		return err
	}

	query, args, err := s.dialect.Insert(tableSubscriptions).
		Rows(goqu.Record{
			"connection_id": connectionID,
			"operation_id":  operationID,
			"operation":     blob,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}

	events := uniqueEvents(op.Events)
	rows := make([]interface{}, 0, len(events))
	for _, event := range events {
		rows = append(rows, goqu.Record{
			"event":         event,
			"connection_id": connectionID,
			"operation_id":  operationID,
		})
	}
	query, args, err = s.dialect.Insert(tableEvents).Rows(rows...).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to index subscription: %w", err)
	}

	err = tx.Commit()
	return err
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, connectionID, operationID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.deleteSubscriptionTx(ctx, tx, connectionID, operationID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *SQLiteStore) deleteSubscriptionTx(ctx context.Context, tx *sql.Tx, connectionID, operationID string) error {
	query, args, err := s.dialect.Delete(tableSubscriptions).
		Where(goqu.Ex{"connection_id": connectionID, "operation_id": operationID}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// SubscribersByEvent returns a lazy page sequence over the subscribers of event.
// The continuation token is "{connID}\x00{opID}" of the last row read.
func (s *SQLiteStore) SubscribersByEvent(_ context.Context, event string) dispatch.Pages {
	return newPager(func(ctx context.Context, after string, limit int) ([]common.Subscriber, string, bool, error) {
		return s.fetchPage(ctx, event, after, limit)
	}, s.pageSize)
}

func (s *SQLiteStore) fetchPage(ctx context.Context, event, after string, limit int) ([]common.Subscriber, string, bool, error) {
	ds := s.dialect.From(goqu.T(tableEvents).As("se")).
		Join(goqu.T(tableSubscriptions).As("s"), goqu.On(goqu.Ex{
			"s.connection_id": goqu.I("se.connection_id"),
			"s.operation_id":  goqu.I("se.operation_id"),
		})).
		Join(goqu.T(tableConnections).As("c"), goqu.On(goqu.Ex{
			"c.id": goqu.I("se.connection_id"),
		})).
		Select("se.connection_id", "se.operation_id", "s.operation", "c.legacy", "c.endpoint", "c.connected_at").
		Where(goqu.Ex{"se.event": event}).
		Order(goqu.I("se.connection_id").Asc(), goqu.I("se.operation_id").Asc()).
		Limit(uint(limit))

	if after != "" {
		connID, opID, ok := splitSubKey([]byte(after))
		if !ok {
			return nil, after, false, fmt.Errorf("invalid continuation token")
		}
		ds = ds.Where(goqu.Or(
			goqu.I("se.connection_id").Gt(connID),
			goqu.And(
				goqu.I("se.connection_id").Eq(connID),
				goqu.I("se.operation_id").Gt(opID),
			),
		))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, after, false, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, after, false, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	page := make([]common.Subscriber, 0, limit)
	last := after
	scanned := 0
	for rows.Next() {
		var (
			sub  common.Subscriber
			blob []byte
		)
		if err := rows.Scan(
			&sub.Connection.ID,
			&sub.OperationID,
			&blob,
			&sub.Connection.Legacy,
			&sub.Connection.Endpoint,
			&sub.Connection.ConnectedAt,
		); err != nil {
			return nil, last, false, err
		}
		scanned++
		last = sub.Connection.ID + sep + sub.OperationID

		if err := encoding.Unmarshal(blob, &sub.Operation); err != nil {
			log.Warn().Err(err).
				Str("connection", sub.Connection.ID).
				Str("operation", sub.OperationID).
				Msg("Skipping corrupted subscription")
			continue
		}
		page = append(page, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, last, false, err
	}

	return page, last, scanned == limit, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
