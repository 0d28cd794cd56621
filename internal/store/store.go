package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the persistence interface for the collection history.
type Store interface {
	CreateSession(ctx context.Context, src source.SourceType, items []source.Record, metadata map[string]any) (int64, error)
	GetSession(ctx context.Context, id int64) (*Session, error)
	GetLatestSession(ctx context.Context, src source.SourceType) (*Session, error)
	GetSessionItems(ctx context.Context, sessionID int64, src source.SourceType) ([]source.Record, error)
	GetRecentSessions(ctx context.Context, src source.SourceType, limit int) ([]Session, error)
	ListSessions(ctx context.Context, src source.SourceType, from, to time.Time) ([]Session, error)
	GetStatistics(ctx context.Context) (*Statistics, error)

	Close() error
}

// itemColumns lists the stored columns of each item table, in insert order.
var itemColumns = map[source.SourceType][]string{
	source.SourceReddit: {
		"id", "session_id", "title", "author", "score", "upvote_ratio", "num_comments",
		"created_utc", "url", "permalink", "subreddit", "selftext", "collected_at",
	},
	source.SourceGitHub: {
		"id", "session_id", "name", "full_name", "description", "language", "stars", "forks",
		"watchers", "open_issues", "created_at", "updated_at", "pushed_at", "size", "url",
		"license", "topics", "collected_at",
	},
	source.SourceHackerNews: {
		"id", "session_id", "title", "by", "score", "descendants", "time", "url", "text", "collected_at",
	},
}

const sessionColumns = "id, source, collected_at, item_count, metadata, created_at"

// SQLiteStore implements Store using SQLite.
// Writes serialize on SQLite's database lock; reads run against WAL snapshots.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used to stamp new sessions.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// New opens a SQLite database and runs migrations.
func New(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidArgument)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w: %w", ErrStorageUnavailable, err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w: %w", path, ErrStorageUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w: %w", path, ErrStorageUnavailable, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w: %w", ErrStorageUnavailable, err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession writes a session row and its items in one transaction.
// Items sharing a natural ID with a stored row replace it, taking over ownership.
func (s *SQLiteStore) CreateSession(ctx context.Context, src source.SourceType, items []source.Record, metadata map[string]any) (int64, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("create %s session: %w", src, ErrEmptyBatch)
	}
	for _, item := range items {
		if item == nil || item.Source() != src {
			return 0, fmt.Errorf("%w: %T does not belong to a %s session", ErrInvalidArgument, item, src)
		}
	}

	var metadataJSON sql.NullString
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("%w: encode metadata: %v", ErrInvalidArgument, err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	collectedAt := s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin session", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (source, collected_at, item_count, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(src), collectedAt, len(items), metadataJSON, collectedAt)
	if err != nil {
		return 0, storageErr("insert session", err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("session id", err)
	}

	stmt, err := tx.PrepareNamedContext(ctx, upsertQuery(src))
	if err != nil {
		return 0, storageErr("prepare item upsert", err)
	}
	defer stmt.Close()

	for _, item := range items {
		row, err := bindRecord(item, sessionID, collectedAt)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return 0, storageErr(fmt.Sprintf("upsert %s item %s", src, item.NaturalID()), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit session", err)
	}
	return sessionID, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get session %d", id), err)
	}
	if err := decodeMetadata(&sess); err != nil {
		return nil, storageErr(fmt.Sprintf("get session %d", id), err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetLatestSession(ctx context.Context, src source.SourceType) (*Session, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	var sess Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE source = ?
		ORDER BY collected_at DESC, id DESC
		LIMIT 1
	`, string(src))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest %s session: %w", src, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("latest %s session", src), err)
	}
	if err := decodeMetadata(&sess); err != nil {
		return nil, storageErr(fmt.Sprintf("latest %s session", src), err)
	}
	return &sess, nil
}

// GetSessionItems returns the items currently owned by a session, best ranked first.
// An unknown or empty session yields an empty slice.
func (s *SQLiteStore) GetSessionItems(ctx context.Context, sessionID int64, src source.SourceType) ([]source.Record, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE session_id = ? ORDER BY %s DESC, id",
		quoteColumns(itemColumns[src]), src.Table(), src.RankField())

	var (
		records []source.Record
		err     error
	)
	switch src {
	case source.SourceReddit:
		records, err = selectRecords[source.Post](ctx, s.db, query, sessionID)
	case source.SourceGitHub:
		records, err = selectRecords[source.Repository](ctx, s.db, query, sessionID)
		for i := 0; err == nil && i < len(records); i++ {
			repo := records[i].(source.Repository)
			repo.Topics = []string{}
			if repo.TopicsJSON != "" {
				if uerr := json.Unmarshal([]byte(repo.TopicsJSON), &repo.Topics); uerr != nil {
					err = fmt.Errorf("decode topics of repo %d: %w", repo.ID, uerr)
				}
			}
			records[i] = repo
		}
	case source.SourceHackerNews:
		records, err = selectRecords[source.Story](ctx, s.db, query, sessionID)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get %s items for session %d", src, sessionID), err)
	}
	return records, nil
}

func (s *SQLiteStore) GetRecentSessions(ctx context.Context, src source.SourceType, limit int) ([]Session, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}

	return s.selectSessions(ctx, fmt.Sprintf("recent %s sessions", src), `
		SELECT `+sessionColumns+` FROM sessions
		WHERE source = ?
		ORDER BY collected_at DESC, id DESC
		LIMIT ?
	`, string(src), limit)
}

// ListSessions returns sessions collected within [from, to], oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, src source.SourceType, from, to time.Time) ([]Session, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	return s.selectSessions(ctx, fmt.Sprintf("list %s sessions", src), `
		SELECT `+sessionColumns+` FROM sessions
		WHERE source = ? AND collected_at >= ? AND collected_at <= ?
		ORDER BY collected_at ASC, id ASC
	`, string(src), from.UTC(), to.UTC())
}

func (s *SQLiteStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		SessionsBySource: make(map[source.SourceType]int),
		LastCollected:    make(map[source.SourceType]time.Time),
	}

	rows, err := s.db.QueryxContext(ctx, "SELECT source, COUNT(*) AS cnt FROM sessions GROUP BY source")
	if err != nil {
		return nil, storageErr("count sessions by source", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, storageErr("scan session counts", err)
		}
		stats.SessionsBySource[source.SourceType(src)] = cnt
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count sessions by source", err)
	}

	totals := map[source.SourceType]*int{
		source.SourceReddit:     &stats.TotalRedditPosts,
		source.SourceGitHub:     &stats.TotalGitHubRepos,
		source.SourceHackerNews: &stats.TotalHackerNewsStories,
	}
	for _, src := range source.AllSourceTypes() {
		if err := s.db.GetContext(ctx, totals[src], "SELECT COUNT(*) FROM "+src.Table()); err != nil {
			return nil, storageErr(fmt.Sprintf("count %s", src.Table()), err)
		}

		latest, err := s.GetLatestSession(ctx, src)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats.LastCollected[src] = latest.CollectedAt
	}

	return stats, nil
}

func (s *SQLiteStore) selectSessions(ctx context.Context, op, query string, args ...any) ([]Session, error) {
	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, storageErr(op, err)
	}
	for i := range sessions {
		if err := decodeMetadata(&sessions[i]); err != nil {
			return nil, storageErr(op, err)
		}
	}
	return sessions, nil
}

func selectRecords[T source.Record](ctx context.Context, db *sqlx.DB, query string, args ...any) ([]source.Record, error) {
	var rows []T
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	records := make([]source.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row)
	}
	return records, nil
}

// bindRecord stamps a record with its owning session for the named upsert.
func bindRecord(item source.Record, sessionID int64, at time.Time) (any, error) {
	switch r := item.(type) {
	case *source.Post:
		return bindRecord(*r, sessionID, at)
	case *source.Repository:
		return bindRecord(*r, sessionID, at)
	case *source.Story:
		return bindRecord(*r, sessionID, at)
	case source.Post:
		r.SessionID, r.CollectedAt = sessionID, at
		return r, nil
	case source.Repository:
		r.SessionID, r.CollectedAt = sessionID, at
		topics := r.Topics
		if topics == nil {
			topics = []string{}
		}
		b, err := json.Marshal(topics)
		if err != nil {
			return nil, fmt.Errorf("%w: encode topics for repo %d: %v", ErrInvalidArgument, r.ID, err)
		}
		r.TopicsJSON = string(b)
		return r, nil
	case source.Story:
		r.SessionID, r.CollectedAt = sessionID, at
		return r, nil
	}
	return nil, fmt.Errorf("%w: unsupported record type %T", ErrInvalidArgument, item)
}

func upsertQuery(src source.SourceType) string {
	cols := itemColumns[src]
	params := make([]string, len(cols))
	for i, c := range cols {
		params[i] = ":" + c
	}
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		src.Table(), quoteColumns(cols), strings.Join(params, ", "))
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

func decodeMetadata(sess *Session) error {
	if !sess.MetadataJSON.Valid || sess.MetadataJSON.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(sess.MetadataJSON.String), &sess.Metadata); err != nil {
		return fmt.Errorf("decode metadata of session %d: %w", sess.ID, err)
	}
	return nil
}

// storageErr marks a database failure as ErrStorageUnavailable, leaving
// context cancellation unwrapped.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
