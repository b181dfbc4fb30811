/*
Package sessions drives browser editing sessions from start to deploy.

A session owns one git branch, one preview container and one proxy
route. Its states:

	active     branch checked out, preview serving, saves restart it
	deploying  merge to main and production rebuild in progress
	inactive   cancelled; cleanup is tearing the pieces down
	failed     start or deploy failed; the branch survives for a retry

One user holds at most one active session per site, and a configurable
number across sites. Everything a session owns is recorded in the store
before it is created, so a crashed control plane can recover surviving
previews and clean up orphans on the next start. A background sweeper
expires idle sessions past their TTL.
*/
package sessions
