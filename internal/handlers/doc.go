// Package handlers exposes the engine over HTTP: viewport request and
// cancel endpoints, thumbnail delivery, engine control, maintenance
// operations, health probes and an SSE event stream.
package handlers
