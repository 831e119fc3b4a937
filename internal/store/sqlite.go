// Package store persists incidents, shadow environments and rollback decisions
// so a restarted process can recover its work.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/kubeshield/remedy/internal/models"
)

// SQLite stores records as JSON documents keyed by id.
type SQLite struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open opens or creates the database at path. ":memory:" keeps everything in
// process memory.
func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		wrapped := fmt.Errorf("initialize store schema for %q: %w", path, err)
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(wrapped, fmt.Errorf("close store db %q after init failure: %w", path, closeErr))
		}
		return nil, wrapped
	}
	log.Info().Str("path", path).Msg("Opened state store")
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		correlation_key TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		closed BOOLEAN NOT NULL DEFAULT FALSE,
		detected_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(closed, detected_at);

	CREATE TABLE IF NOT EXISTS shadows (
		id TEXT PRIMARY KEY,
		incident_id TEXT,
		namespace TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_shadows_status ON shadows(status);

	CREATE TABLE IF NOT EXISTS rollback_decisions (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		decided_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rollback_decisions_incident ON rollback_decisions(incident_id, decided_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveIncident inserts or replaces an incident.
func (s *SQLite) SaveIncident(inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return fmt.Errorf("incident id required")
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident %s: %w", inc.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO incidents (id, correlation_key, status, priority, closed, detected_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			correlation_key=excluded.correlation_key,
			status=excluded.status,
			priority=excluded.priority,
			closed=excluded.closed,
			updated_at=excluded.updated_at,
			data=excluded.data
	`, inc.ID, inc.CorrelationKey, string(inc.Status), int(inc.Priority), inc.Closed(), inc.DetectedAt.UnixNano(), inc.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

// LoadIncidents returns stored incidents, oldest detection first. With
// openOnly, closed incidents are skipped.
func (s *SQLite) LoadIncidents(openOnly bool) (incs []*models.Incident, err error) {
	query := `SELECT data FROM incidents ORDER BY detected_at, id`
	if openOnly {
		query = `SELECT data FROM incidents WHERE closed = FALSE ORDER BY detected_at, id`
	}
	err = s.scan(query, "incidents", func(data []byte) error {
		var inc models.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			return err
		}
		incs = append(incs, &inc)
		return nil
	})
	return incs, err
}

// SaveShadow inserts or replaces a shadow environment.
func (s *SQLite) SaveShadow(env *models.ShadowEnvironment) error {
	if env == nil || env.ID == "" {
		return fmt.Errorf("shadow id required")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal shadow %s: %w", env.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO shadows (id, incident_id, namespace, status, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			data=excluded.data
	`, env.ID, env.IncidentID, env.Namespace, string(env.Status), env.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("upsert shadow %s: %w", env.ID, err)
	}
	return nil
}

// LoadShadows returns every stored shadow environment, oldest first.
func (s *SQLite) LoadShadows() (envs []*models.ShadowEnvironment, err error) {
	err = s.scan(`SELECT data FROM shadows ORDER BY created_at, id`, "shadows", func(data []byte) error {
		var env models.ShadowEnvironment
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		envs = append(envs, &env)
		return nil
	})
	return envs, err
}

// PruneShadows removes deleted shadows created before cutoff.
func (s *SQLite) PruneShadows(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM shadows WHERE status = ? AND created_at < ?`, string(models.ShadowDeleted), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune shadows: %w", err)
	}
	return res.RowsAffected()
}

// SaveDecision records a rollback decision.
func (s *SQLite) SaveDecision(d *models.RollbackDecision) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("decision id required")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO rollback_decisions (id, incident_id, outcome, decided_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome=excluded.outcome,
			data=excluded.data
	`, d.ID, d.IncidentID, string(d.Outcome), d.DecidedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("upsert decision %s: %w", d.ID, err)
	}
	return nil
}

// Decisions returns the rollback decisions of one incident, oldest first.
func (s *SQLite) Decisions(incidentID string) (out []*models.RollbackDecision, err error) {
	err = s.scan(`SELECT data FROM rollback_decisions WHERE incident_id = ? ORDER BY decided_at, id`, "rollback decisions", func(data []byte) error {
		var d models.RollbackDecision
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		out = append(out, &d)
		return nil
	}, incidentID)
	return out, err
}

func (s *SQLite) scan(query, what string, fn func(data []byte) error, args ...any) (err error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", what, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			wrapped := fmt.Errorf("close %s rows: %w", what, closeErr)
			if err != nil {
				err = errors.Join(err, wrapped)
				return
			}
			err = wrapped
		}
	}()

	for rows.Next() {
		var data []byte
		if scanErr := rows.Scan(&data); scanErr != nil {
			return fmt.Errorf("scan %s row: %w", what, scanErr)
		}
		if decodeErr := fn(data); decodeErr != nil {
			return fmt.Errorf("decode %s row: %w", what, decodeErr)
		}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return fmt.Errorf("iterate %s rows: %w", what, rowsErr)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
