// Package oracle defines the weighting oracle: the external capability that knows
// which manifest files matter, how to read dependencies out of them, and how much
// each package in a dependency tree is worth.
//
// The donation pipeline only ever sees the Oracle interface. HTTPClient is the
// production implementation and speaks JSON to a registry resolver service:
//
//	GET  /v1/manifest-patterns
//	POST /v1/dependencies
//	POST /v1/weights
//	POST /v1/latest-spec
//
// 5xx responses and transport errors are retried; other failures are returned as
// *StatusError.
package oracle
