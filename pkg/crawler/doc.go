// Package crawler discovers dependency manifests in an organization's source
// repositories on GitHub.
//
// # Overview
//
// ManifestsForOrg lists the organization's non-archived repositories, runs a code
// search per repository and manifest pattern, and downloads every exact match:
//
//	c := crawler.New(auth.TokenSource, crawler.DefaultOptions())
//	manifests, err := c.ManifestsForOrg(ctx, crawler.Org{Name: "acme", InstallationID: 42}, patterns)
//
// # Pacing
//
// Requests are spaced at least MinRequestSpacing apart (750ms by default). After
// every response the X-RateLimit-Remaining header is checked; at or below
// RateLimitFloor all requests wait until X-RateLimit-Reset. Rate-limit rejections
// (403 with no remaining quota, 429) are waited out and retried, never returned.
//
// # Concurrency and caching
//
// At most MaxConcurrentFetches content downloads run at once. Repository listings
// and search results are cached on the Crawler, so a Crawler must not outlive the
// invocation that created it.
//
// # Authentication
//
// AppAuth signs a GitHub App JWT and exchanges it for an installation token. The
// token is fetched once per ManifestsForOrg call.
package crawler
