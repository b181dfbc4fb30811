/*
Package supervisor owns the lifecycle of site containers.

Each site runs as at most one production container plus any number of
session preview containers. The supervisor picks a build strategy per
create, in order of preference:

	docker  site ships its own Dockerfile; build an image from it
	plan    the external plan tool produces an image build
	basic   no container at all: an inline static file server, or the
	        site's declared start command as a child process

Container names follow "<site>-production" and "<branch>-<site>-preview".
Host ports come from the port allocator and are bound to 127.0.0.1 only;
the reverse proxy is the sole public entry point.

The in-memory table is a cache. Liveness questions always go to the
runtime, and Discover rebuilds the table from running containers after a
control plane restart.
*/
package supervisor
