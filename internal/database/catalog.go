package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/itstheanurag/judgeji/internal/languages"
	"github.com/itstheanurag/judgeji/internal/status"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates any missing tables. It is safe to run on every start.
func (db *Database) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SeedStatuses writes the fixed status set so ids never depend on insertion
// order.
func (db *Database) SeedStatuses(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, st := range status.All() {
		batch.Queue(
			`INSERT INTO statuses (id, name) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
			int(st), st.String(),
		)
	}
	if err := db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed statuses: %w", err)
	}
	return nil
}

func (db *Database) UpsertLanguages(ctx context.Context, langs []languages.Language) error {
	batch := &pgx.Batch{}
	for _, l := range langs {
		batch.Queue(
			`INSERT INTO languages (id, name, is_archived, source_file, compile_cmd, run_cmd)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
			   name = EXCLUDED.name,
			   is_archived = EXCLUDED.is_archived,
			   source_file = EXCLUDED.source_file,
			   compile_cmd = EXCLUDED.compile_cmd,
			   run_cmd = EXCLUDED.run_cmd`,
			l.ID, l.Name, l.IsArchived, l.SourceFile, l.CompileCmd, l.RunCmd,
		)
	}
	if err := db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed languages: %w", err)
	}
	db.log.Info().Int("count", len(langs)).Msg("language catalog seeded")
	return nil
}

const languageColumns = `id, name, is_archived, source_file, compile_cmd, run_cmd`

func scanLanguage(row pgx.Row) (languages.Language, error) {
	var l languages.Language
	err := row.Scan(&l.ID, &l.Name, &l.IsArchived, &l.SourceFile, &l.CompileCmd, &l.RunCmd)
	return l, err
}

// GetLanguage returns languages.ErrLanguageNotFound for unknown ids.
// Archived rows are returned as-is.
func (db *Database) GetLanguage(ctx context.Context, id int) (languages.Language, error) {
	l, err := scanLanguage(db.Pool.QueryRow(ctx,
		`SELECT `+languageColumns+` FROM languages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return languages.Language{}, fmt.Errorf("%w: id %d", languages.ErrLanguageNotFound, id)
	}
	if err != nil {
		return languages.Language{}, fmt.Errorf("get language %d: %w", id, err)
	}
	return l, nil
}

// ListLanguages returns active languages by name, or every language by id
// when includeArchived is set.
func (db *Database) ListLanguages(ctx context.Context, includeArchived bool) ([]languages.Language, error) {
	query := `SELECT ` + languageColumns + ` FROM languages WHERE NOT is_archived ORDER BY name`
	if includeArchived {
		query = `SELECT ` + languageColumns + ` FROM languages ORDER BY id`
	}
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	defer rows.Close()

	out := []languages.Language{}
	for rows.Next() {
		l, err := scanLanguage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
