package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the interaction log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "promptpulse.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Interactions ---

const interactionColumns = `id, created_at, project_id, source_agent, target_agent,
	original_prompt, rewritten_prompt, original_tokens, rewritten_tokens,
	token_savings_percent, overall_score, dimensions_json, mistakes_json,
	rewrite_used, full_result_json`

// AppendInteraction validates the record, assigns its id and timestamp, and
// persists it. The derived token_savings_percent is always recomputed here;
// a caller-supplied value is ignored. Returns the assigned id.
func (s *Store) AppendInteraction(i Interaction) (int64, error) {
	if err := i.Validate(); err != nil {
		return 0, err
	}

	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	dimensions, err := json.Marshal(i.Dimensions)
	if err != nil {
		return 0, fmt.Errorf("marshalling dimension scores: %w", err)
	}
	mistakes, err := marshalMistakes(i.Mistakes)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`
		INSERT INTO interactions (created_at, project_id, source_agent, target_agent,
			original_prompt, rewritten_prompt, original_tokens, rewritten_tokens,
			token_savings_percent, overall_score, dimensions_json, mistake_count,
			mistakes_json, rewrite_used, full_result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		createdAt.UTC().Format(time.RFC3339), nullString(i.ProjectID), nullString(i.SourceAgent),
		nullString(i.TargetAgent), i.OriginalPrompt, i.RewrittenPrompt,
		i.OriginalTokens, i.RewrittenTokens,
		TokenSavingsPercent(i.OriginalTokens, i.RewrittenTokens), i.OverallScore,
		string(dimensions), len(i.Mistakes), mistakes, choiceValue(i.RewriteUsed), i.FullResultJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading assigned id: %w", err)
	}
	return id, nil
}

// GetInteraction returns the full record for id, or ErrNotFound.
func (s *Store) GetInteraction(id int64) (Interaction, error) {
	row := s.db.QueryRow(`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	i, err := scanInteraction(row.Scan)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, err
	}
	return i, nil
}

// UpdateRewriteChoice records the human's accept/reject decision. Safe to
// call repeatedly for the same id; the last call wins.
func (s *Store) UpdateRewriteChoice(id int64, usedRewrite bool) error {
	choice := ChoiceRejected
	if usedRewrite {
		choice = ChoiceAccepted
	}
	res, err := s.db.Exec(`UPDATE interactions SET rewrite_used = ? WHERE id = ?`, choiceValue(choice), id)
	if err != nil {
		return fmt.Errorf("updating rewrite choice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter selects a page of the interaction feed.
type ListFilter struct {
	ProjectID string // empty means all projects
	Limit     int
	Offset    int
}

// ListInteractions returns one page of records, most recent first (ties
// broken by id descending), plus the total count of the full matching set.
func (s *Store) ListInteractions(f ListFilter) ([]Interaction, int, error) {
	where, args := projectWhere(f.ProjectID)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM interactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting interactions: %w", err)
	}

	query := `SELECT ` + interactionColumns + ` FROM interactions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		i, err := scanInteraction(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, i)
	}
	return results, total, rows.Err()
}

// ScanFilter selects records for a streaming read.
type ScanFilter struct {
	ProjectID string
	Since     time.Time // zero means no lower bound
}

// ScanInteractions streams every matching record to fn in insertion order
// without materializing the whole log. fn returning an error stops the scan.
func (s *Store) ScanInteractions(f ScanFilter, fn func(Interaction) error) error {
	where, args := projectWhere(f.ProjectID)
	if !f.Since.IsZero() {
		if where == "" {
			where = " WHERE created_at >= ?"
		} else {
			where += " AND created_at >= ?"
		}
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}

	rows, err := s.db.Query(`SELECT `+interactionColumns+` FROM interactions`+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return fmt.Errorf("scanning interactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		i, err := scanInteraction(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(i); err != nil {
			return err
		}
	}
	return rows.Err()
}

func projectWhere(projectID string) (string, []any) {
	if projectID == "" {
		return "", nil
	}
	return " WHERE project_id = ?", []any{projectID}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func choiceValue(c RewriteChoice) any {
	switch c {
	case ChoiceAccepted:
		return 1
	case ChoiceRejected:
		return 0
	default:
		return nil
	}
}

func scanInteraction(scan func(dest ...any) error) (Interaction, error) {
	var i Interaction
	var createdAt, dimensions, mistakes string
	var projectID, sourceAgent, targetAgent sql.NullString
	var rewriteUsed sql.NullInt64

	err := scan(&i.ID, &createdAt, &projectID, &sourceAgent, &targetAgent,
		&i.OriginalPrompt, &i.RewrittenPrompt, &i.OriginalTokens, &i.RewrittenTokens,
		&i.TokenSavingsPercent, &i.OverallScore, &dimensions, &mistakes,
		&rewriteUsed, &i.FullResultJSON)
	if err != nil {
		return Interaction{}, err
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at for id %d: %w", i.ID, err)
	}
	i.CreatedAt = t
	i.ProjectID = projectID.String
	i.SourceAgent = sourceAgent.String
	i.TargetAgent = targetAgent.String

	if err := json.Unmarshal([]byte(dimensions), &i.Dimensions); err != nil {
		return Interaction{}, fmt.Errorf("parsing dimension scores for id %d: %w", i.ID, err)
	}
	if err := json.Unmarshal([]byte(mistakes), &i.Mistakes); err != nil {
		return Interaction{}, fmt.Errorf("parsing mistakes for id %d: %w", i.ID, err)
	}

	switch {
	case !rewriteUsed.Valid:
		i.RewriteUsed = ChoiceUnset
	case rewriteUsed.Int64 == 1:
		i.RewriteUsed = ChoiceAccepted
	default:
		i.RewriteUsed = ChoiceRejected
	}
	return i, nil
}
