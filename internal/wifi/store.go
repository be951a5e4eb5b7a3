package wifi

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists provisioned network credentials in SQLite. The most
// recently saved network is the one the station joins on boot.
type Store struct {
	db *sql.DB
}

// NewStore opens the credential store at dbPath. The schema is created
// automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wifi_credentials (
		ssid       TEXT PRIMARY KEY,
		psk        TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts c and marks it as the most recent network.
func (s *Store) Save(ctx context.Context, c Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wifi_credentials (ssid, psk, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (ssid) DO UPDATE
		 SET psk = excluded.psk, updated_at = excluded.updated_at`,
		c.SSID, c.PSK, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save credentials for %q: %w", c.SSID, err)
	}
	return nil
}

// Latest returns the most recently saved credentials. ok is false when
// nothing has been provisioned yet.
func (s *Store) Latest(ctx context.Context) (c Credentials, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT ssid, psk FROM wifi_credentials
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
	).Scan(&c.SSID, &c.PSK)
	if err == sql.ErrNoRows {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}
	return c, true, nil
}
