/*
Package types defines the core data structures shared across Burrow's
control-plane packages.

The types package sits at the base of the dependency graph and imports no
other Burrow package. It declares the persistent records (Site,
EditingSession, BranchCommit), the runtime records (Container, DynamicRoute,
BuildPlan) and the typed status, role and strategy enumerations used by the
state machines in the supervisor and session manager.

Naming conventions derived here are load-bearing across the system:

	production container:  <site>-production
	preview container:     <branch>-<site>-preview
	image tag:             deploy-<container>:latest
	preview subdomain:     <branch>-<site>.<domain>

Ownership rules: a Site owns its production container slot; an
EditingSession owns its preview container and its dynamic route. Sessions
reference sites by name and containers are referenced by name from both
sides, never bidirectionally by pointer.
*/
package types
