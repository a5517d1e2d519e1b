// Package pipeline sequences a donation from dependency discovery to ledger
// postings.
//
// # Synchronous flow
//
// Orchestrator.Distribute handles a donation in one invocation:
//
//	validate -> lock org -> resolve groups -> weigh groups -> distribute -> finalize -> release
//
// Groups come from crawling the organization's repositories, or, for a donation
// targeted at one package, from that package's latest specifier alone. A failure
// before posting releases the lock; a failure during or after posting leaves it
// to expire.
//
// # Split flow
//
// Scrape, Weigh and Post run as separate queue-triggered invocations that share
// state through the state store under a correlation id:
//
//	SCRAPED -> WEIGHED -> DISTRIBUTED
//
// Messages between stages carry only {"correlationId": "..."}. Scrape and Weigh
// can be re-executed safely; Post must run at most once per correlation id.
//
// Handler exposes each flow as a queue.HandlerFunc.
package pipeline
