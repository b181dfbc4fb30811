/*
Package proxy maintains the fronting reverse-proxy configuration.

The orchestrator holds the dynamic route set in memory and renders the
whole config file from scratch on every change: base options, the
control-plane block, then one block per preview route in sorted order.
Rendering is deterministic, so adding and removing the same route leaves
the file byte-identical.

Route churn is debounced. A mutation arms a short timer instead of
reloading immediately; bursts of session starts collapse into one
config write and one graceful reload. Writes go through a temp file and
rename so the proxy never observes a half-written config, and a failed
reload leaves the previous config live.
*/
package proxy
