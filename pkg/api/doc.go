// Package api provides the admin HTTP server of the flossfund worker.
//
// # API Endpoints
//
//	GET    /healthz                   - Liveness probe
//	GET    /readyz                    - Readiness probe (Postgres, Redis, state store)
//	GET    /metrics                   - Prometheus metrics
//	POST   /v1/donations              - Queue a donation for the synchronous flow
//	POST   /v1/runs                   - Queue a donation for the split flow
//	GET    /v1/runs/{correlationId}   - Inspect a split-flow run
//
// Submission endpoints validate the donation request and return 202 once the
// message is on the queue; processing happens in the queue consumers.
package api
