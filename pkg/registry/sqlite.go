package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sites (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	path             TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	visibility       TEXT NOT NULL DEFAULT 'public',
	status           TEXT NOT NULL DEFAULT 'stopped',
	container_id     TEXT NOT NULL DEFAULT '',
	port             INTEGER NOT NULL DEFAULT 0,
	env              TEXT NOT NULL DEFAULT '{}',
	created_at       DATETIME NOT NULL,
	last_deployed_at DATETIME
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	site_name      TEXT NOT NULL,
	branch_name    TEXT NOT NULL,
	container_name TEXT NOT NULL DEFAULT '',
	preview_port   INTEGER NOT NULL DEFAULT 0,
	preview_url    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'active',
	mode           TEXT NOT NULL DEFAULT 'edit',
	base_commit    TEXT NOT NULL DEFAULT '',
	current_commit TEXT NOT NULL DEFAULT '',
	commits_count  INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	last_activity  DATETIME NOT NULL,
	expires_at     DATETIME NOT NULL,
	auto_cleanup   INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_site ON sessions(user_id, site_name);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS branch_commits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	site_name   TEXT NOT NULL,
	branch      TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	author      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// the schema migration
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids busy errors
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Site operations

func (s *SQLiteStore) CreateSite(site *types.Site) error {
	env, err := json.Marshal(site.Env)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO sites
		(id, name, path, owner_id, visibility, status, container_id, port, env, created_at, last_deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		site.ID, site.Name, site.Path, site.OwnerID, site.Visibility, site.Status,
		site.ContainerID, site.Port, string(env), site.CreatedAt, site.LastDeployedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.New(errdefs.KindConflict, "registry.CreateSite",
				"site name %q already exists", site.Name)
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) GetSite(id string) (*types.Site, error) {
	return s.scanSite(s.db.QueryRow(siteSelect+" WHERE id = ?", id))
}

func (s *SQLiteStore) GetSiteByName(name string) (*types.Site, error) {
	return s.scanSite(s.db.QueryRow(siteSelect+" WHERE name = ?", name))
}

func (s *SQLiteStore) ListSites() ([]*types.Site, error) {
	rows, err := s.db.Query(siteSelect + " ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*types.Site
	for rows.Next() {
		site, err := s.scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *SQLiteStore) UpdateSite(site *types.Site) error {
	env, err := json.Marshal(site.Env)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE sites SET
		name = ?, path = ?, owner_id = ?, visibility = ?, status = ?,
		container_id = ?, port = ?, env = ?, last_deployed_at = ?
		WHERE id = ?`,
		site.Name, site.Path, site.OwnerID, site.Visibility, site.Status,
		site.ContainerID, site.Port, string(env), site.LastDeployedAt, site.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "registry.UpdateSite", "site %s", site.ID)
}

func (s *SQLiteStore) DeleteSite(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var name string
	if err := tx.QueryRow("SELECT name FROM sites WHERE id = ?", id).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errdefs.New(errdefs.KindNotFound, "registry.DeleteSite", "site %s not found", id)
		}
		return err
	}

	if _, err := tx.Exec("DELETE FROM branch_commits WHERE site_name = ?", name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE site_name = ?", name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM sites WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

const siteSelect = `SELECT id, name, path, owner_id, visibility, status,
	container_id, port, env, created_at, last_deployed_at FROM sites`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSite(row rowScanner) (*types.Site, error) {
	var site types.Site
	var env string
	var deployed sql.NullTime

	err := row.Scan(&site.ID, &site.Name, &site.Path, &site.OwnerID, &site.Visibility,
		&site.Status, &site.ContainerID, &site.Port, &env, &site.CreatedAt, &deployed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.New(errdefs.KindNotFound, "registry.GetSite", "site not found")
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(env), &site.Env); err != nil {
		return nil, err
	}
	if deployed.Valid {
		t := deployed.Time
		site.LastDeployedAt = &t
	}
	return &site, nil
}

// Session operations

func (s *SQLiteStore) CreateSession(sess *types.EditingSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// At most one active session per (user, site)
	var count int
	err = tx.QueryRow(`SELECT COUNT(*) FROM sessions
		WHERE user_id = ? AND site_name = ? AND status = ?`,
		sess.UserID, sess.SiteName, types.SessionStatusActive).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 && sess.Status == types.SessionStatusActive {
		return errdefs.New(errdefs.KindConflict, "registry.CreateSession",
			"user %s already has an active session on %s", sess.UserID, sess.SiteName)
	}

	_, err = tx.Exec(`INSERT INTO sessions
		(id, user_id, site_name, branch_name, container_name, preview_port, preview_url,
		 status, mode, base_commit, current_commit, commits_count,
		 created_at, last_activity, expires_at, auto_cleanup)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.SiteName, sess.BranchName, sess.ContainerName,
		sess.PreviewPort, sess.PreviewURL, sess.Status, sess.Mode,
		sess.BaseCommit, sess.CurrentCommit, sess.CommitsCount,
		sess.CreatedAt, sess.LastActivity, sess.ExpiresAt, sess.AutoCleanup)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSession(id string) (*types.EditingSession, error) {
	return s.scanSession(s.db.QueryRow(sessionSelect+" WHERE id = ?", id))
}

func (s *SQLiteStore) GetActiveSession(userID, siteName string) (*types.EditingSession, error) {
	return s.scanSession(s.db.QueryRow(sessionSelect+
		" WHERE user_id = ? AND site_name = ? AND status = ?",
		userID, siteName, types.SessionStatusActive))
}

func (s *SQLiteStore) ListSessions() ([]*types.EditingSession, error) {
	return s.querySessions(sessionSelect + " ORDER BY created_at")
}

func (s *SQLiteStore) ListActiveSessionsByUser(userID string) ([]*types.EditingSession, error) {
	return s.querySessions(sessionSelect+
		" WHERE user_id = ? AND status = ? ORDER BY last_activity",
		userID, types.SessionStatusActive)
}

func (s *SQLiteStore) ListExpiredSessions(now time.Time) ([]*types.EditingSession, error) {
	return s.querySessions(sessionSelect+
		" WHERE auto_cleanup = 1 AND expires_at < ? AND status IN (?, ?)",
		now, types.SessionStatusActive, types.SessionStatusInactive)
}

func (s *SQLiteStore) UpdateSession(sess *types.EditingSession) error {
	res, err := s.db.Exec(`UPDATE sessions SET
		container_name = ?, preview_port = ?, preview_url = ?, status = ?, mode = ?,
		base_commit = ?, current_commit = ?, commits_count = ?,
		last_activity = ?, expires_at = ?, auto_cleanup = ?
		WHERE id = ?`,
		sess.ContainerName, sess.PreviewPort, sess.PreviewURL, sess.Status, sess.Mode,
		sess.BaseCommit, sess.CurrentCommit, sess.CommitsCount,
		sess.LastActivity, sess.ExpiresAt, sess.AutoCleanup, sess.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "registry.UpdateSession", "session %s", sess.ID)
}

func (s *SQLiteStore) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

const sessionSelect = `SELECT id, user_id, site_name, branch_name, container_name,
	preview_port, preview_url, status, mode, base_commit, current_commit,
	commits_count, created_at, last_activity, expires_at, auto_cleanup FROM sessions`

func (s *SQLiteStore) scanSession(row rowScanner) (*types.EditingSession, error) {
	var sess types.EditingSession
	err := row.Scan(&sess.ID, &sess.UserID, &sess.SiteName, &sess.BranchName,
		&sess.ContainerName, &sess.PreviewPort, &sess.PreviewURL, &sess.Status,
		&sess.Mode, &sess.BaseCommit, &sess.CurrentCommit, &sess.CommitsCount,
		&sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.AutoCleanup)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.New(errdefs.KindNotFound, "registry.GetSession", "session not found")
		}
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) querySessions(query string, args ...any) ([]*types.EditingSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.EditingSession
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Branch commit audit trail

func (s *SQLiteStore) AppendBranchCommit(bc *types.BranchCommit) error {
	res, err := s.db.Exec(`INSERT INTO branch_commits
		(session_id, site_name, branch, commit_hash, message, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bc.SessionID, bc.SiteName, bc.Branch, bc.CommitHash, bc.Message, bc.Author, bc.CreatedAt)
	if err != nil {
		return err
	}
	bc.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListBranchCommits(sessionID string) ([]*types.BranchCommit, error) {
	rows, err := s.db.Query(`SELECT id, session_id, site_name, branch, commit_hash,
		message, author, created_at FROM branch_commits
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []*types.BranchCommit
	for rows.Next() {
		var bc types.BranchCommit
		if err := rows.Scan(&bc.ID, &bc.SessionID, &bc.SiteName, &bc.Branch,
			&bc.CommitHash, &bc.Message, &bc.Author, &bc.CreatedAt); err != nil {
			return nil, err
		}
		commits = append(commits, &bc)
	}
	return commits, rows.Err()
}

// Settings

func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.New(errdefs.KindNotFound, "registry.GetSetting", "setting %q not found", key)
	}
	return value, err
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// isUniqueViolation matches SQLite's unique constraint errors without
// depending on driver-specific error types
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result, op, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.New(errdefs.KindNotFound, op, format+" not found", args...)
	}
	return nil
}
