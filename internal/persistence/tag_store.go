package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bdbenim/stash-empornium/internal/tags"
)

func (s *SQLiteStore) GetTag(ctx context.Context, name string) (tags.SourceTag, bool, error) {
	var (
		id      int64
		tag     tags.SourceTag
		ignored int
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, display, ignored FROM stash_tags WHERE name = ?`,
		strings.TrimSpace(name),
	).Scan(&id, &tag.Name, &tag.Display, &ignored)
	if errors.Is(err, sql.ErrNoRows) {
		return tags.SourceTag{}, false, nil
	}
	if err != nil {
		return tags.SourceTag{}, false, err
	}
	tag.Ignored = ignored == 1

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT c.name FROM categories c
		 JOIN tag_categories tc ON tc.category_id = c.id
		 WHERE tc.stash_tag_id = ?
		 ORDER BY c.name`,
		id,
	)
	if err != nil {
		return tags.SourceTag{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return tags.SourceTag{}, false, err
		}
		tag.Categories = append(tag.Categories, c)
	}
	return tag, true, rows.Err()
}

func (s *SQLiteStore) DestTags(ctx context.Context, source, tracker string) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT d.name FROM dest_tags d
		 JOIN tag_map m ON m.dest_tag_id = d.id
		 JOIN stash_tags t ON t.id = m.stash_tag_id
		 WHERE t.name = ? AND m.tracker = ?
		 ORDER BY d.name`,
		strings.TrimSpace(source),
		tracker,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) UpsertMapping(ctx context.Context, tracker, source, dest string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sourceID, err := ensureSourceTag(ctx, tx, source)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO dest_tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, dest); err != nil {
		return fmt.Errorf("insert dest tag %s: %w", dest, err)
	}
	var destID int64
	if err = tx.QueryRowContext(ctx, `SELECT id FROM dest_tags WHERE name = ?`, dest).Scan(&destID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(
		ctx,
		`INSERT INTO tag_map (stash_tag_id, dest_tag_id, tracker) VALUES (?, ?, ?)
		 ON CONFLICT(stash_tag_id, dest_tag_id, tracker) DO NOTHING`,
		sourceID, destID, tracker,
	); err != nil {
		return err
	}
	// a mapped tag is no longer ignored
	if _, err = tx.ExecContext(ctx, `UPDATE stash_tags SET ignored = 0 WHERE id = ?`, sourceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetIgnored(ctx context.Context, source string, ignored bool) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO stash_tags (name, ignored) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET ignored = excluded.ignored`,
		strings.TrimSpace(source),
		boolToInt(ignored),
	)
	return err
}

func (s *SQLiteStore) SetDisplay(ctx context.Context, source, display string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO stash_tags (name, display) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET display = excluded.display`,
		strings.TrimSpace(source),
		display,
	)
	return err
}

func (s *SQLiteStore) AddCategory(ctx context.Context, source, category string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sourceID, err := ensureSourceTag(ctx, tx, source)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO categories (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, category); err != nil {
		return err
	}
	var categoryID int64
	if err = tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE name = ?`, category).Scan(&categoryID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(
		ctx,
		`INSERT INTO tag_categories (stash_tag_id, category_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		sourceID, categoryID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTags(ctx context.Context) ([]tags.SourceTag, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT t.name, t.display, t.ignored, COALESCE(GROUP_CONCAT(c.name, char(31)), '')
		 FROM stash_tags t
		 LEFT JOIN tag_categories tc ON tc.stash_tag_id = t.id
		 LEFT JOIN categories c ON c.id = tc.category_id
		 GROUP BY t.id
		 ORDER BY t.name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []tags.SourceTag
	for rows.Next() {
		var (
			tag        tags.SourceTag
			ignored    int
			categories string
		)
		if err := rows.Scan(&tag.Name, &tag.Display, &ignored, &categories); err != nil {
			return nil, err
		}
		tag.Ignored = ignored == 1
		if categories != "" {
			tag.Categories = strings.Split(categories, "\x1f")
		}
		ret = append(ret, tag)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListMappings(ctx context.Context, tracker string) ([]tags.Mapping, error) {
	query := `SELECT t.name, m.tracker, d.name FROM tag_map m
		 JOIN stash_tags t ON t.id = m.stash_tag_id
		 JOIN dest_tags d ON d.id = m.dest_tag_id`
	args := []any{}
	if tracker != tags.AllScopes {
		query += ` WHERE m.tracker = ?`
		args = append(args, tracker)
	}
	query += ` ORDER BY t.name, m.tracker, d.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []tags.Mapping
	for rows.Next() {
		var m tags.Mapping
		if err := rows.Scan(&m.Source, &m.Tracker, &m.Dest); err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

func ensureSourceTag(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if _, err := tx.ExecContext(ctx, `INSERT INTO stash_tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("insert source tag %s: %w", name, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM stash_tags WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
