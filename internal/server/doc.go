// Package server hosts the upload panel's API and pages from a single HTTP
// server.
//
// Every request passes a consistent middleware chain of security headers,
// request IDs, logging, audit, metrics, rate limiting, and the authorization
// gate, so handlers share common protections and instrumentation.
package server
