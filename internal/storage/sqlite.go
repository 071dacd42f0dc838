package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pacebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertRoom(ctx context.Context, r Room) error {
	if r.Owner == "" || r.ID == "" {
		return fmt.Errorf("storage: room needs owner and id")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(owner, id, topic, kind, member_count, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(owner, id) DO UPDATE SET topic=excluded.topic, kind=excluded.kind,
		   member_count=excluded.member_count, updated_at=excluded.updated_at`,
		r.Owner, r.ID, r.Topic, nullStr(r.Kind), r.MemberCount, r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) FindRooms(ctx context.Context, owner string, ids ...string) ([]Room, error) {
	q := `SELECT owner, id, topic, COALESCE(kind, ''), member_count, updated_at FROM rooms WHERE owner = ?`
	args := []any{owner}
	q, args = withIDs(q, args, ids)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[string]Room{}
	var order []string
	for rows.Next() {
		var (
			r  Room
			at string
		)
		if err := rows.Scan(&r.Owner, &r.ID, &r.Topic, &r.Kind, &r.MemberCount, &at); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		byID[r.ID] = r
		order = append(order, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Room, 0, len(byID))
	for _, id := range orderFor(ids, order) {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *sqliteStore) UpsertContact(ctx context.Context, c Contact) error {
	if c.Owner == "" || c.ID == "" {
		return fmt.Errorf("storage: contact needs owner and id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(owner, id, name, username, phone, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(owner, id) DO UPDATE SET name=excluded.name, username=excluded.username,
		   phone=excluded.phone, updated_at=excluded.updated_at`,
		c.Owner, c.ID, c.Name, nullStr(c.Username), nullStr(c.Phone), c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) FindContacts(ctx context.Context, owner string, ids ...string) ([]Contact, error) {
	q := `SELECT owner, id, name, COALESCE(username, ''), COALESCE(phone, ''), updated_at FROM contacts WHERE owner = ?`
	args := []any{owner}
	q, args = withIDs(q, args, ids)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[string]Contact{}
	var order []string
	for rows.Next() {
		var (
			c  Contact
			at string
		)
		if err := rows.Scan(&c.Owner, &c.ID, &c.Name, &c.Username, &c.Phone, &at); err != nil {
			return nil, err
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		byID[c.ID] = c
		order = append(order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(byID))
	for _, id := range orderFor(ids, order) {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *sqliteStore) AddMessage(ctx context.Context, m Message) error {
	if m.Owner == "" || m.ID == "" {
		return fmt.Errorf("storage: message needs owner and id")
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(owner, id, type, text, from_id, from_name, room_id, raw, at_ms) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner, id) DO UPDATE SET type=excluded.type, text=excluded.text, from_id=excluded.from_id,
		   from_name=excluded.from_name, room_id=excluded.room_id, raw=excluded.raw, at_ms=excluded.at_ms`,
		m.Owner, m.ID, m.Type, m.Text, m.FromID, m.FromName, nullStr(m.RoomID), nullStr(m.Raw), m.At.UnixMilli(),
	)
	return err
}

const messageCols = `owner, id, type, text, from_id, from_name, COALESCE(room_id, ''), COALESCE(raw, ''), at_ms`

func scanMessage(sc interface{ Scan(...any) error }) (Message, error) {
	var (
		m  Message
		ms int64
	)
	if err := sc.Scan(&m.Owner, &m.ID, &m.Type, &m.Text, &m.FromID, &m.FromName, &m.RoomID, &m.Raw, &ms); err != nil {
		return Message{}, err
	}
	m.At = time.UnixMilli(ms)
	return m, nil
}

func (s *sqliteStore) GetMessage(ctx context.Context, owner, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE owner = ? AND id = ?`, owner, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *sqliteStore) FindMessages(ctx context.Context, owner string, q MessageQuery) ([]Message, error) {
	q = q.normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE owner = ? ORDER BY at_ms DESC, seq DESC LIMIT ? OFFSET ?`,
		owner, q.Limit, q.From,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func withIDs(q string, args []any, ids []string) (string, []any) {
	if len(ids) == 0 {
		return q + ` ORDER BY id`, args
	}
	q += ` AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	for _, id := range ids {
		args = append(args, id)
	}
	return q, args
}

// orderFor keeps the caller's id order when ids were given.
func orderFor(ids, found []string) []string {
	if len(ids) == 0 {
		return found
	}
	return ids
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
