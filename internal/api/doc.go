// Package api hosts the HTTP handlers that front the NovaCast control plane
// and the media-server publish hooks.
//
// Handler coordinates request validation and response shaping while
// delegating persistence to storage.Repository implementations and stream
// lifecycle decisions to the ingest gatekeeper and transcode scheduler
// injected at construction time. The package does not reach for globals or
// singletons and expects callers to supply fully configured dependencies.
//
// Handlers assume upstream middleware from internal/server has already
// applied request IDs, metrics, rate limiting, and logging. New routes should
// preserve that contract by leaning on the middleware guarantees established
// in the server stack.
package api
