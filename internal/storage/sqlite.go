package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"catalogbot/internal/catalog"
	"catalogbot/internal/transport"
	logx "catalogbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

// ---- Subscribers ----

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sub.FirstSeen.IsZero() {
		sub.FirstSeen = time.Now()
	}
	if sub.Language == "" {
		sub.Language = "en"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, chat_id, origin_instance, language, subscribed, blocked, last_delivery_ms, first_seen_ms)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   chat_id=excluded.chat_id,
		   origin_instance=excluded.origin_instance,
		   language=excluded.language,
		   subscribed=excluded.subscribed,
		   blocked=excluded.blocked`,
		sub.ID, sub.ChatID, string(sub.Origin), sub.Language,
		boolInt(sub.Subscribed), boolInt(sub.Blocked),
		nullMilli(sub.LastDelivery), sub.FirstSeen.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, id int64) (Subscriber, bool, error) {
	if s == nil || s.db == nil {
		return Subscriber{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_id, origin_instance, language, subscribed, blocked, last_delivery_ms, first_seen_ms
		 FROM subscribers WHERE user_id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, err
	}
	return sub, true, nil
}

func (s *sqliteStore) ListSubscribers(ctx context.Context, onlyEligible bool) ([]Subscriber, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT user_id, chat_id, origin_instance, language, subscribed, blocked, last_delivery_ms, first_seen_ms
	      FROM subscribers`
	if onlyEligible {
		q += ` WHERE subscribed = 1 AND blocked = 0`
	}
	q += ` ORDER BY user_id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetSubscriberState(ctx context.Context, id int64, subscribed, blocked bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET subscribed = ?, blocked = ? WHERE user_id = ?`,
		boolInt(subscribed), boolInt(blocked), id)
	return err
}

func (s *sqliteStore) TouchDelivery(ctx context.Context, id int64, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_delivery_ms = ? WHERE user_id = ?`,
		at.UnixMilli(), id)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSubscriber(r rowScanner) (Subscriber, error) {
	var (
		sub            Subscriber
		origin         string
		subInt, blkInt int
		lastMS         sql.NullInt64
		firstMS        int64
	)
	err := r.Scan(&sub.ID, &sub.ChatID, &origin, &sub.Language, &subInt, &blkInt, &lastMS, &firstMS)
	if err != nil {
		return Subscriber{}, err
	}
	sub.Origin = transport.InstanceID(origin)
	sub.Subscribed = subInt != 0
	sub.Blocked = blkInt != 0
	if lastMS.Valid {
		sub.LastDelivery = time.UnixMilli(lastMS.Int64)
	}
	sub.FirstSeen = time.UnixMilli(firstMS)
	return sub, nil
}

// ---- Media mappings ----

func (s *sqliteStore) GetMediaMapping(ctx context.Context, key MediaKey) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var handle string
	err := s.db.QueryRowContext(ctx,
		`SELECT target_handle FROM media_mappings
		 WHERE origin_instance = ? AND origin_handle = ? AND target_instance = ?`,
		string(key.Origin), key.Handle, string(key.Target)).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return handle, true, nil
}

func (s *sqliteStore) PutMediaMapping(ctx context.Context, key MediaKey, handle string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Mappings are immutable: insert-if-absent, then verify the stored value.
	// ON CONFLICT DO NOTHING keeps a concurrent duplicate resolution from
	// clobbering the first committed handle.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_mappings(origin_instance, origin_handle, target_instance, target_handle, created_ms)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(origin_instance, origin_handle, target_instance) DO NOTHING`,
		string(key.Origin), key.Handle, string(key.Target), handle, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	stored, ok, err := s.GetMediaMapping(ctx, key)
	if err != nil {
		return err
	}
	if ok && stored != handle {
		return fmt.Errorf("%w: key %s/%s->%s holds %q, got %q",
			ErrMappingConflict, key.Origin, key.Handle, key.Target, stored, handle)
	}
	return nil
}

func (s *sqliteStore) InvalidateMediaMappings(ctx context.Context, origin transport.InstanceID) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM media_mappings WHERE origin_instance = ?`, string(origin))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Catalog entries ----

func (s *sqliteStore) PutEntry(ctx context.Context, e catalog.Entry) (catalog.EntryID, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = time.Now()
	}
	mediaJSON, err := json.Marshal(e.Media)
	if err != nil {
		return 0, err
	}
	if e.ID != 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO entries(id, category, subcategory, caption, media_json, origin_instance, published_ms)
			 VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   category=excluded.category, subcategory=excluded.subcategory, caption=excluded.caption`,
			int64(e.ID), e.Category, e.Subcategory, e.Caption, string(mediaJSON), string(e.Origin), e.PublishedAt.UnixMilli())
		return e.ID, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(category, subcategory, caption, media_json, origin_instance, published_ms)
		 VALUES(?,?,?,?,?,?)`,
		e.Category, e.Subcategory, e.Caption, string(mediaJSON), string(e.Origin), e.PublishedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return catalog.EntryID(id), err
}

func (s *sqliteStore) GetEntry(ctx context.Context, id catalog.EntryID) (catalog.Entry, bool, error) {
	if s == nil || s.db == nil {
		return catalog.Entry{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, category, subcategory, caption, media_json, origin_instance, published_ms
		 FROM entries WHERE id = ?`, int64(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Entry{}, false, nil
	}
	if err != nil {
		return catalog.Entry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) ListRecentEntries(ctx context.Context, limit int) ([]catalog.Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, subcategory, caption, media_json, origin_instance, published_ms
		 FROM entries ORDER BY published_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(r rowScanner) (catalog.Entry, error) {
	var (
		e         catalog.Entry
		id        int64
		mediaJSON string
		origin    string
		pubMS     int64
	)
	err := r.Scan(&id, &e.Category, &e.Subcategory, &e.Caption, &mediaJSON, &origin, &pubMS)
	if err != nil {
		return catalog.Entry{}, err
	}
	e.ID = catalog.EntryID(id)
	e.Origin = transport.InstanceID(origin)
	e.PublishedAt = time.UnixMilli(pubMS)
	if err := json.Unmarshal([]byte(mediaJSON), &e.Media); err != nil {
		return catalog.Entry{}, err
	}
	return e, nil
}

// ---- Delivery audit ----

func (s *sqliteStore) AppendDeliveryAudit(ctx context.Context, a DeliveryAudit) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_audit(pass_id, entry_id, at_ms, recipients, delivered, rate_limited, resolution_failed, send_failed, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		a.PassID, a.EntryID, a.At.UnixMilli(), a.Recipients,
		a.Delivered, a.RateLimited, a.ResolutionFailed, a.SendFailed, a.TookMS,
	)
	return err
}

func (s *sqliteStore) PruneDeliveryAudit(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_audit WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Instance pruning ----

func (s *sqliteStore) PruneInstance(ctx context.Context, instance transport.InstanceID) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var total int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE origin_instance = ?`, string(instance))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM media_mappings WHERE origin_instance = ? OR target_instance = ?`,
		string(instance), string(instance))
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
