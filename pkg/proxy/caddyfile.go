package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/burrowhq/burrow/pkg/types"
)

// render produces the full proxy configuration deterministically: same
// routes in, byte-identical file out. Dynamic blocks are sorted by
// subdomain so map iteration order never leaks into the file.
func (o *Orchestrator) render(routes []*types.DynamicRoute) string {
	var b strings.Builder

	o.writeBase(&b)
	o.writeControlPlaneBlock(&b, o.cfg.Domain)
	o.writeControlPlaneBlock(&b, "*."+o.cfg.Domain)

	sorted := make([]*types.DynamicRoute, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Subdomain < sorted[j].Subdomain })

	for _, r := range sorted {
		o.writeRouteBlock(&b, r)
	}
	return b.String()
}

// writeBase emits the global options block: admin endpoint, certificate
// storage and default security posture
func (o *Orchestrator) writeBase(b *strings.Builder) {
	fmt.Fprintf(b, "{\n")
	fmt.Fprintf(b, "\tadmin %s\n", o.cfg.AdminEndpoint)
	fmt.Fprintf(b, "\tstorage file_system {\n")
	fmt.Fprintf(b, "\t\troot %s\n", o.cfg.StorageDir)
	fmt.Fprintf(b, "\t}\n")
	if !o.cfg.Production {
		fmt.Fprintf(b, "\tlocal_certs\n")
	}
	fmt.Fprintf(b, "}\n\n")
}

// writeControlPlaneBlock routes a hostname to the control plane itself,
// which handles subdomain dispatch when no dynamic route wins
func (o *Orchestrator) writeControlPlaneBlock(b *strings.Builder, host string) {
	fmt.Fprintf(b, "%s {\n", host)
	o.writeTLS(b)
	fmt.Fprintf(b, "\tencode gzip\n")
	o.writeSecurityHeaders(b, "")
	fmt.Fprintf(b, "\treverse_proxy localhost:%d {\n", o.cfg.ControlPlanePort)
	fmt.Fprintf(b, "\t\theader_up Host {host}\n")
	fmt.Fprintf(b, "\t\theader_up X-Real-IP {remote_host}\n")
	fmt.Fprintf(b, "\t}\n")
	fmt.Fprintf(b, "}\n\n")
}

// writeRouteBlock emits one dynamic route: subdomain -> localhost:port with
// an upstream health probe and an iframe-friendly CSP so the editor can
// embed the preview
func (o *Orchestrator) writeRouteBlock(b *strings.Builder, r *types.DynamicRoute) {
	fmt.Fprintf(b, "%s {\n", r.Subdomain)
	o.writeTLS(b)
	fmt.Fprintf(b, "\tencode gzip\n")
	csp := fmt.Sprintf("frame-ancestors 'self' https://editor.%s", o.cfg.Domain)
	o.writeSecurityHeaders(b, csp)
	fmt.Fprintf(b, "\treverse_proxy localhost:%d {\n", r.TargetPort)
	fmt.Fprintf(b, "\t\thealth_uri /\n")
	fmt.Fprintf(b, "\t\thealth_interval 15s\n")
	fmt.Fprintf(b, "\t\theader_up Host {host}\n")
	fmt.Fprintf(b, "\t\theader_up X-Real-IP {remote_host}\n")
	fmt.Fprintf(b, "\t}\n")
	fmt.Fprintf(b, "}\n\n")
}

// writeTLS pins dev certificates when configured; production relies on the
// proxy's automatic certificate acquisition
func (o *Orchestrator) writeTLS(b *strings.Builder) {
	if o.cfg.TLSCertPath != "" && o.cfg.TLSKeyPath != "" {
		fmt.Fprintf(b, "\ttls %s %s\n", o.cfg.TLSCertPath, o.cfg.TLSKeyPath)
	}
}

func (o *Orchestrator) writeSecurityHeaders(b *strings.Builder, csp string) {
	fmt.Fprintf(b, "\theader {\n")
	fmt.Fprintf(b, "\t\tX-Content-Type-Options nosniff\n")
	fmt.Fprintf(b, "\t\tReferrer-Policy strict-origin-when-cross-origin\n")
	if csp != "" {
		// frame-ancestors replaces X-Frame-Options; the editor origin must
		// be allowed to embed previews
		fmt.Fprintf(b, "\t\tContent-Security-Policy \"%s\"\n", csp)
	} else {
		fmt.Fprintf(b, "\t\tX-Frame-Options SAMEORIGIN\n")
	}
	fmt.Fprintf(b, "\t}\n")
}
