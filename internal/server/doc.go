// Package server implements the HTTP monitoring surface for the capture
// agent. It exposes session, device, and upload state as read-only JSON
// endpoints plus Prometheus metrics; recording itself is driven by the
// agent, never over HTTP.
package server
