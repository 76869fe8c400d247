package inputtail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/database"
)

// Repository persists file states across restarts. GetFileState returns nil
// and no error when nothing is stored for (path, identity).
type Repository interface {
	CreateTables() error
	GetFileState(path string, id internal.FileIdentity) (*FileState, error)
	BatchUpsertFileStates(states []FileState) error
	CleanupOldEntries(thresholdDays int) (int64, error)
	Close() error
}

type SQLiteRepository struct {
	db *database.DBManager
}

func NewSQLiteRepository(dbFile string) (*SQLiteRepository, error) {
	dbManager, err := database.NewDBManager(dbFile)
	if err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: dbManager}, nil
}

func (r *SQLiteRepository) CreateTables() error {
	query := `CREATE TABLE IF NOT EXISTS file_states (
        path TEXT NOT NULL,
        device INTEGER NOT NULL,
        inode INTEGER NOT NULL,
        offset INTEGER NOT NULL,
        updated_at INTEGER NOT NULL,
        PRIMARY KEY (path, device, inode)
    )`
	if _, err := r.db.ExecuteWrite(context.Background(), query); err != nil {
		return fmt.Errorf("could not create db table file_states: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) BatchUpsertFileStates(states []FileState) error {
	return r.db.ExecuteWriteTx(context.Background(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
            INSERT OR REPLACE INTO file_states
            (path, device, inode, offset, updated_at)
            VALUES (?, ?, ?, ?, ?)
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, state := range states {
			_, err := stmt.Exec(
				state.Path,
				int64(state.Identity.Device),
				int64(state.Identity.Inode),
				state.Offset,
				state.UpdatedAt.Unix(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) GetFileState(path string, id internal.FileIdentity) (*FileState, error) {
	query := `SELECT offset, updated_at FROM file_states
              WHERE path = ? AND device = ? AND inode = ?`

	row := r.db.QueryRow(context.Background(), query, path, int64(id.Device), int64(id.Inode))

	var offset, updated int64
	if err := row.Scan(&offset, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &FileState{
		Path:      path,
		Identity:  id,
		Offset:    offset,
		UpdatedAt: time.Unix(updated, 0),
	}, nil
}

func (r *SQLiteRepository) CleanupOldEntries(thresholdDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -thresholdDays).Unix()
	res, err := r.db.ExecuteWrite(context.Background(), "DELETE FROM file_states WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
