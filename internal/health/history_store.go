package health

import (
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// Sample is one recorded health score for a project.
type Sample struct {
	Score float64
	At    time.Time
}

// HistoryStore persists a capped ring of health samples per project in SQLite,
// durable across daemon restarts. Grounded on the teacher's
// eventstore.SQLiteStore shape (single table, append + range query).
type HistoryStore struct {
	db  *sql.DB
	mu  sync.Mutex
	cap int
}

// NewHistoryStore opens (or creates) a SQLite database at path. Use ":memory:"
// for tests. cap bounds how many samples are retained per project.
func NewHistoryStore(path string, cap int) (*HistoryStore, error) {
	if cap <= 0 {
		cap = 100
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryHealth, "open health history database").Build()
	}
	s := &HistoryStore{db: db, cap: cap}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS health_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		score REAL NOT NULL,
		taken_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_health_project ON health_samples(project_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryHealth, "initialize health history schema").Build()
	}
	return nil
}

// Record appends a sample for projectID and trims the table to the last cap
// entries for that project.
func (s *HistoryStore) Record(projectID string, score float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		"INSERT INTO health_samples (project_id, score, taken_at) VALUES (?, ?, ?)",
		projectID, score, at.UTC().Unix(),
	); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryHealth, "insert health sample").Build()
	}

	_, err := s.db.Exec(`
		DELETE FROM health_samples WHERE project_id = ? AND id NOT IN (
			SELECT id FROM health_samples WHERE project_id = ? ORDER BY id DESC LIMIT ?
		)`, projectID, projectID, s.cap)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryHealth, "trim health history").Build()
	}
	return nil
}

// Recent returns up to n most recent samples for projectID, oldest first.
func (s *HistoryStore) Recent(projectID string, n int) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT score, taken_at FROM health_samples WHERE project_id = ? ORDER BY id DESC LIMIT ?",
		projectID, n,
	)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryHealth, "query health history").Build()
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var sc float64
		var ts int64
		if err := rows.Scan(&sc, &ts); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryHealth, "scan health sample").Build()
		}
		out = append(out, Sample{Score: sc, At: time.Unix(ts, 0).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryHealth, "iterate health samples").Build()
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
