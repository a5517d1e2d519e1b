// Package httputil provides the JSON response, request parsing and middleware
// helpers shared by the admin API.
//
// Responses:
//
//	httputil.WriteSuccess(w, state)
//	httputil.WriteAccepted(w, map[string]string{"correlationId": cid})
//	httputil.WriteNotFoundError(w, "run not found")
//
// Request parsing:
//
//	var req pipeline.DonationRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
