// Package httpmw provides HTTP middleware for the public API server.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers, panic recovery, request ID, client IP extraction, OTEL
// tracing, trace headers, catalog version headers, metrics and structured
// logging, then the chi router. Rate limiting is mounted per route group
// inside the router so each group gets its own admission policy, and it
// keys on the client IP resolved here.
//
// Access logs carry method, route, status, size and timing only. Query
// params, user-agent and other request headers are never logged.
package httpmw
