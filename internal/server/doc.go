// Package server assembles the HTTP surface: route registration for the
// publish hooks, the control plane, and the notification gateway, plus the
// middleware stack (request IDs, logging, metrics, security headers, CORS,
// and rate limiting) that every request passes through.
package server
