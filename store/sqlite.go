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

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"taleforge/internal"
)

// Store is a SQLite-backed chapter repository
type Store struct {
	db *sql.DB
}

var (
	_ internal.ChapterRepository = (*Store)(nil)
	_ internal.ChapterTx         = (*chapterTx)(nil)
)

// Open opens (and if needed creates) the database at path
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, internal.NewValidationError("database", "path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS chapters (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL DEFAULT 'html' CHECK (format IN ('html', 'markdown')),
			status TEXT NOT NULL DEFAULT 'DRAFT' CHECK (status IN ('DRAFT', 'UNDER_REVIEW', 'PUBLISHED')),
			content_address TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS illustrations (
			id TEXT PRIMARY KEY,
			chapter_id TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
			local_path TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			content_address TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_illustrations_chapter ON illustrations(chapter_id, position);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return tx.Commit()
}

// CreateChapter inserts a DRAFT chapter and returns it with a generated id
func (s *Store) CreateChapter(ctx context.Context, chapter internal.Chapter) (*internal.Chapter, error) {
	if chapter.ID == "" {
		chapter.ID = uuid.NewString()
	}
	if chapter.Format == "" {
		chapter.Format = internal.FormatHTML
	}
	if chapter.Status == "" {
		chapter.Status = internal.StatusDraft
	}
	chapter.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, title, body, format, status, content_address, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, chapter.ID, chapter.Title, chapter.Body, string(chapter.Format), string(chapter.Status), chapter.ContentAddress, chapter.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chapter: %w", err)
	}
	chapter.Illustrations = nil
	return &chapter, nil
}

// AddIllustration attaches an illustration to a chapter and returns it with a generated id
func (s *Store) AddIllustration(ctx context.Context, illustration internal.Illustration) (*internal.Illustration, error) {
	if illustration.ChapterID == "" {
		return nil, internal.NewValidationError("chapter_id", "cannot be empty")
	}
	if illustration.ID == "" {
		illustration.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO illustrations (id, chapter_id, local_path, file_name, content_address, description, position)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM illustrations WHERE chapter_id = ?));
	`, illustration.ID, illustration.ChapterID, illustration.LocalPath, illustration.FileName,
		illustration.ContentAddress, illustration.Description, illustration.ChapterID)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("add illustration to %s: %w", illustration.ChapterID, internal.ErrChapterNotFound)
		}
		return nil, fmt.Errorf("insert illustration: %w", err)
	}
	return &illustration, nil
}

// LoadChapterWithIllustrations returns the chapter and its illustrations in attachment order
func (s *Store) LoadChapterWithIllustrations(ctx context.Context, chapterID string) (*internal.Chapter, error) {
	var chapter internal.Chapter
	var format, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, format, status, content_address, updated_at
		FROM chapters
		WHERE id = ?;
	`, chapterID).Scan(&chapter.ID, &chapter.Title, &chapter.Body, &format, &status, &chapter.ContentAddress, &chapter.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrChapterNotFound
		}
		return nil, fmt.Errorf("select chapter: %w", err)
	}
	chapter.Format = internal.BodyFormat(format)
	chapter.Status = internal.ChapterStatus(status)

	illustrations, err := listIllustrations(ctx, s.db, chapterID)
	if err != nil {
		return nil, err
	}
	chapter.Illustrations = illustrations
	return &chapter, nil
}

// RunInTx runs fn in one transaction, committing only when fn returns nil
func (s *Store) RunInTx(ctx context.Context, fn func(tx internal.ChapterTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&chapterTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listIllustrations(ctx context.Context, q queryer, chapterID string) ([]internal.Illustration, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, chapter_id, local_path, file_name, content_address, description
		FROM illustrations
		WHERE chapter_id = ?
		ORDER BY position, id;
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("select illustrations: %w", err)
	}
	defer rows.Close()

	var illustrations []internal.Illustration
	for rows.Next() {
		var il internal.Illustration
		if err := rows.Scan(&il.ID, &il.ChapterID, &il.LocalPath, &il.FileName, &il.ContentAddress, &il.Description); err != nil {
			return nil, fmt.Errorf("scan illustration: %w", err)
		}
		illustrations = append(illustrations, il)
	}
	return illustrations, rows.Err()
}

type chapterTx struct {
	tx *sql.Tx
}

func (t *chapterTx) PersistIllustrationAddress(ctx context.Context, illustrationID, address string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE illustrations SET content_address = ? WHERE id = ?;
	`, address, illustrationID)
	if err != nil {
		return fmt.Errorf("update illustration: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected != 1 {
		return fmt.Errorf("illustration %s not found", illustrationID)
	}
	return nil
}

func (t *chapterTx) ListIllustrations(ctx context.Context, chapterID string) ([]internal.Illustration, error) {
	return listIllustrations(ctx, t.tx, chapterID)
}

// UpdateChapterStatus only moves DRAFT chapters; any other current state yields ErrStatusConflict
func (t *chapterTx) UpdateChapterStatus(ctx context.Context, chapterID string, status internal.ChapterStatus, contentAddress, body string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE chapters
		SET status = ?, content_address = ?, body = ?, updated_at = ?
		WHERE id = ? AND status = ?;
	`, string(status), contentAddress, body, time.Now().UTC(), chapterID, string(internal.StatusDraft))
	if err != nil {
		return fmt.Errorf("update chapter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chapter rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM chapters WHERE id = ?;`, chapterID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return internal.ErrChapterNotFound
	}
	if err != nil {
		return fmt.Errorf("select chapter status: %w", err)
	}
	return fmt.Errorf("chapter %s is %s: %w", chapterID, current, internal.ErrStatusConflict)
}
