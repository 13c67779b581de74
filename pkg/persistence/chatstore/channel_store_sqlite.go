package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteChannelStore struct {
	db *sql.DB
}

var _ ChannelStore = &SQLiteChannelStore{}

func NewSQLiteChannelStore(dsn string) (*SQLiteChannelStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite channel store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteChannelStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteChannelDSNForFile builds a DSN with WAL and a busy timeout for a database file.
func SQLiteChannelDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite channel store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteChannelStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteChannelStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite channel store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			kind TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			members_json TEXT NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (kind, channel_id)
		);`,
		`CREATE INDEX IF NOT EXISTS channels_by_creator ON channels(created_by, created_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite channel store: migrate")
		}
	}
	return nil
}

func (s *SQLiteChannelStore) Create(ctx context.Context, record ChannelRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite channel store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateRecord("sqlite channel store", record); err != nil {
		return err
	}
	if record.CreatedAtMs == 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}
	members := record.Members
	if members == nil {
		members = []string{}
	}
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return errors.Wrap(err, "sqlite channel store: marshal members")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (kind, channel_id, name, members_json, created_by, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.Kind, record.ID, record.Name, string(membersJSON), record.CreatedBy, record.CreatedAtMs)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return existsError("sqlite channel store", record)
		}
		return errors.Wrap(err, "sqlite channel store: insert channel")
	}
	return nil
}

func (s *SQLiteChannelStore) Get(ctx context.Context, kind, id string) (ChannelRecord, bool, error) {
	if s == nil || s.db == nil {
		return ChannelRecord{}, false, errors.New("sqlite channel store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		record      ChannelRecord
		membersJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, channel_id, name, members_json, created_by, created_at_ms
		FROM channels WHERE kind = ? AND channel_id = ?
	`, strings.TrimSpace(kind), strings.TrimSpace(id)).Scan(
		&record.Kind, &record.ID, &record.Name, &membersJSON, &record.CreatedBy, &record.CreatedAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelRecord{}, false, nil
	}
	if err != nil {
		return ChannelRecord{}, false, errors.Wrap(err, "sqlite channel store: get channel")
	}
	if err := json.Unmarshal([]byte(membersJSON), &record.Members); err != nil {
		return ChannelRecord{}, false, errors.Wrap(err, "sqlite channel store: decode members")
	}
	return record, true, nil
}
