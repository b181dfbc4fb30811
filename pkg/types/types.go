package types

import (
	"fmt"
	"time"
)

// Site represents a registered deployable unit
type Site struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"` // unique, DNS-safe
	Path       string     `json:"path"` // absolute path on disk
	OwnerID    string     `json:"owner_id"`
	Visibility Visibility `json:"visibility"`
	Status     SiteStatus `json:"status"`
	// ContainerID and Port are set by the supervisor while a production
	// container exists; empty/zero otherwise.
	ContainerID    string            `json:"container_id,omitempty"`
	Port           int               `json:"port,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastDeployedAt *time.Time        `json:"last_deployed_at,omitempty"`
}

// Visibility controls who can reach a site's subdomain
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SiteStatus represents the current state of a site
type SiteStatus string

const (
	SiteStatusStopped  SiteStatus = "stopped"
	SiteStatusBuilding SiteStatus = "building"
	SiteStatusRunning  SiteStatus = "running"
	SiteStatusFailed   SiteStatus = "failed"
)

// EditingSession binds one (user, site) pair to an edit branch, a preview
// container and a dynamic route for the lifetime of an authoring session
type EditingSession struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	SiteName      string        `json:"site_name"`
	BranchName    string        `json:"branch_name"` // globally unique, e.g. "edit-1700000000500"
	ContainerName string        `json:"container_name,omitempty"`
	PreviewPort   int           `json:"preview_port,omitempty"`
	PreviewURL    string        `json:"preview_url,omitempty"`
	Status        SessionStatus `json:"status"`
	Mode          SessionMode   `json:"mode"`
	BaseCommit    string        `json:"base_commit,omitempty"`
	CurrentCommit string        `json:"current_commit,omitempty"`
	CommitsCount  int           `json:"commits_count"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	ExpiresAt     time.Time     `json:"expires_at"`
	AutoCleanup   bool          `json:"auto_cleanup"`
}

// SessionStatus represents the editing session state machine position
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusDeploying SessionStatus = "deploying"
	SessionStatusInactive  SessionStatus = "inactive"
	SessionStatusFailed    SessionStatus = "failed"
)

// SessionMode distinguishes authoring from read-only preview
type SessionMode string

const (
	SessionModeEdit    SessionMode = "edit"
	SessionModePreview SessionMode = "preview"
)

// Container represents a live process serving one site
type Container struct {
	Name     string // "<subdomain>-<role>"; previews use "<branch>-<site>-preview"
	SitePath string
	Role     ContainerRole
	Port     int
	Status   ContainerStatus
	Strategy BuildStrategy
	ImageTag string // "deploy-<name>:latest" when strategy != basic
	// ID is the runtime's container identifier; empty for the basic strategy,
	// which runs an inline process instead of a container.
	ID        string
	CreatedAt time.Time
}

// ContainerRole defines the purpose of a container
type ContainerRole string

const (
	RoleProduction ContainerRole = "production"
	RolePreview    ContainerRole = "preview"
)

// ContainerStatus represents the supervisor's view of a container
type ContainerStatus string

const (
	ContainerStatusBuilding ContainerStatus = "building"
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusStopped  ContainerStatus = "stopped"
	ContainerStatusFailed   ContainerStatus = "failed"
)

// BuildStrategy defines how a container's image or process is produced
type BuildStrategy string

const (
	// StrategyDocker builds an image from the site's own Dockerfile
	StrategyDocker BuildStrategy = "docker"

	// StrategyPlan builds an image with the external plan tool
	StrategyPlan BuildStrategy = "plan"

	// StrategyBasic runs an inline process (static file server or the
	// site-declared start command) without building an image
	StrategyBasic BuildStrategy = "basic"
)

// SiteType classifies how a site is built and served
type SiteType string

const (
	// SiteTypeStatic is served as-is, no build step
	SiteTypeStatic SiteType = "static"

	// SiteTypeStaticBuild runs a build step, then serves the output
	SiteTypeStaticBuild SiteType = "static-build"

	// SiteTypeDynamic runs its own long-lived server process
	SiteTypeDynamic SiteType = "dynamic"
)

// BuildPlan is the resolver's description of how to build and start a site
type BuildPlan struct {
	SiteType        SiteType          `json:"site_type"`
	Framework       string            `json:"framework,omitempty"`
	InstallCmd      string            `json:"install_cmd,omitempty"`
	BuildCmd        string            `json:"build_cmd,omitempty"`
	StartCmd        string            `json:"start_cmd,omitempty"`
	RuntimeVersions map[string]string `json:"runtime_versions,omitempty"`
	// HasDockerfile short-circuits strategy selection in the supervisor
	HasDockerfile bool `json:"has_dockerfile,omitempty"`
}

// DynamicRoute is one subdomain -> port mapping maintained by the proxy
// orchestrator. SessionID is empty for base routes.
type DynamicRoute struct {
	Subdomain  string    `json:"subdomain"` // FQDN
	TargetPort int       `json:"target_port"`
	SessionID  string    `json:"session_id,omitempty"`
	SiteName   string    `json:"site_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// BranchCommit is an append-only audit row linking a session commit to a branch
type BranchCommit struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	SiteName   string    `json:"site_name"`
	Branch     string    `json:"branch"`
	CommitHash string    `json:"commit_hash"`
	Message    string    `json:"message"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"created_at"`
}

// RepoStatus is the git workspace's view of a site checkout
type RepoStatus struct {
	IsRepo        bool     `json:"is_repo"`
	CurrentBranch string   `json:"current_branch"`
	Dirty         bool     `json:"dirty"`
	Untracked     []string `json:"untracked"`
	Modified      []string `json:"modified"`
}

// CommitInfo is one entry in a branch's history
type CommitInfo struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

// ContainerName derives the canonical container name for a site and role
func ContainerName(siteName string, role ContainerRole) string {
	return fmt.Sprintf("%s-%s", siteName, role)
}

// PreviewContainerName derives the container name for a session preview
func PreviewContainerName(branch, siteName string) string {
	return fmt.Sprintf("%s-%s-preview", branch, siteName)
}

// ImageTag derives the image tag for a container name
func ImageTag(containerName string) string {
	return fmt.Sprintf("deploy-%s:latest", containerName)
}
