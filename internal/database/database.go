package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DBManager serializes writes to a single SQLite connection.
type DBManager struct {
	db *sql.DB
	mu sync.Mutex
}

// NewDBManager opens dbPath in WAL mode and checks the connection.
func NewDBManager(dbPath string) (*DBManager, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite3 database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to sqlite3 database %s: %w", dbPath, err)
	}

	logrus.WithField("file", dbPath).Debug("Opened sqlite3 database.")
	return &DBManager{db: db}, nil
}

// ExecuteWrite performs a single write statement.
func (dm *DBManager) ExecuteWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.db.ExecContext(ctx, query, args...)
}

// ExecuteWriteTx runs fn inside one transaction and rolls back when it fails.
func (dm *DBManager) ExecuteWriteTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	tx, err := dm.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (dm *DBManager) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return dm.db.QueryRowContext(ctx, query, args...)
}

func (dm *DBManager) Close() error {
	return dm.db.Close()
}
