package audit

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode controls whether migrations are read from the local filesystem
// (for hot-reloading during development) or from the embedded copy baked
// into the binary.
var DevMode = false

func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/audit/migrations"), nil
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub-filesystem for embedded migrations: %w", err)
	}
	return sub, nil
}

// Store is the SQLite analytics mirror of the audit ledger: every AuditEntry
// is additionally written here as a queryable row, and RL transitions are
// appended to their own table.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) a SQLite-backed Store at path and
// migrates it to the latest schema version.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	store := &Store{DB: sqlDB}
	migrations, err := getMigrationsFS()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := store.MigrateUp(migrations); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return store, nil
}

// MigrateUp runs all pending migrations up to the latest version. Returns
// nil if no migrations were needed.
func (s *Store) MigrateUp(migrationsFS fs.FS) error {
	m, err := s.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	// m.Close() is deliberately not called: the sqlite driver's Close()
	// would close the underlying sql.DB, which Store manages separately.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *Store) newMigrate(migrationsFS fs.FS) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source driver: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[audit migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// applyPragmas sets the WAL + foreign-key pragmas every connection to this
// database should use, matching the journaling mode the rest of this
// codebase relies on for concurrent readers during a write.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// InsertAuditEntry mirrors one AuditEntry into the analytics table.
func (s *Store) InsertAuditEntry(entry AuditEntry) error {
	actionJSON, err := json.Marshal(entry.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	_, err = s.Exec(
		`INSERT INTO audit_entries (entry_id, ts, who, role, action_id, decision, details, reason, plan_version, action_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.TS.UTC().Format("2006-01-02T15:04:05.000Z"),
		entry.Who, entry.Role, entry.ActionID, string(entry.Decision),
		entry.Details, entry.Reason, entry.PlanVersion, string(actionJSON),
	)
	return err
}

// InsertRLTransition appends one offline-RL transition to the analytics table.
func (s *Store) InsertRLTransition(t RLTransition) error {
	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	actionJSON, err := json.Marshal(t.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	infoJSON, err := json.Marshal(t.Info)
	if err != nil {
		return fmt.Errorf("failed to marshal info: %w", err)
	}
	_, err = s.Exec(
		`INSERT INTO rl_transitions (ts, state_json, action_json, reward, info_json) VALUES (?, ?, ?, ?, ?)`,
		t.TS.UTC().Format("2006-01-02T15:04:05.000Z"), string(stateJSON), string(actionJSON), t.Reward, string(infoJSON),
	)
	return err
}

// CompletenessFromStore computes decisions_logged / recommendations directly
// from the mirrored table, useful when the in-memory Ledger isn't available.
func (s *Store) CompletenessFromStore(recommendations int) (float64, error) {
	if recommendations == 0 {
		return 0, nil
	}
	var count int
	if err := s.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return float64(count) / float64(recommendations), nil
}
