package registry

import (
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// Store defines the interface for control-plane state persistence.
// Implemented by the SQLite-backed store; kept as an interface so the
// session manager and API can be tested against it directly.
type Store interface {
	// Sites
	CreateSite(site *types.Site) error
	GetSite(id string) (*types.Site, error)
	GetSiteByName(name string) (*types.Site, error)
	ListSites() ([]*types.Site, error)
	UpdateSite(site *types.Site) error
	// DeleteSite removes the site row together with its sessions and audit
	// rows in one transaction
	DeleteSite(id string) error

	// Editing sessions
	CreateSession(session *types.EditingSession) error
	GetSession(id string) (*types.EditingSession, error)
	GetActiveSession(userID, siteName string) (*types.EditingSession, error)
	ListSessions() ([]*types.EditingSession, error)
	ListActiveSessionsByUser(userID string) ([]*types.EditingSession, error)
	ListExpiredSessions(now time.Time) ([]*types.EditingSession, error)
	UpdateSession(session *types.EditingSession) error
	DeleteSession(id string) error

	// Branch commit audit trail
	AppendBranchCommit(bc *types.BranchCommit) error
	ListBranchCommits(sessionID string) ([]*types.BranchCommit, error)

	// Application settings (admin password hash lives here)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Utility
	Close() error
}
