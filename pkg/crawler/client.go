package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/flossfund/pkg/retry"
)

const (
	acceptHeader = "application/vnd.github.v3+json"
	userAgent    = "flossfund/crawler"
)

// APIError is an unrecoverable response from the code host
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("code host %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// rateLimit is the quota state advertised on a response
type rateLimit struct {
	remaining int
	reset     time.Time
	known     bool
}

func parseRateLimit(h http.Header) rateLimit {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return rateLimit{}
	}
	resetSecs, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return rateLimit{}
	}
	return rateLimit{remaining: remaining, reset: time.Unix(resetSecs, 0), known: true}
}

// throttled reports whether resp is a rate-limit rejection and when to resume
func (c *Crawler) throttled(resp *http.Response, rl rateLimit) (time.Time, bool) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return time.Time{}, false
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return c.now().Add(time.Duration(secs) * time.Second), true
		}
	}
	if rl.known && rl.remaining == 0 {
		return rl.reset, true
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return c.now().Add(time.Minute), true
	}
	return time.Time{}, false
}

// suspendUntil blocks new requests until t
func (c *Crawler) suspendUntil(t time.Time) {
	c.paceMu.Lock()
	defer c.paceMu.Unlock()
	if t.After(c.resumeAt) {
		c.resumeAt = t
		c.logger.WithField("resume_at", t.UTC().Format(time.RFC3339)).Warn("rate limited; suspending requests")
	}
}

// pace waits for the minimum request spacing and any active suspension. The
// suspension is re-checked after the spacing wait so a suspension set by a
// concurrent response is never skipped.
func (c *Crawler) pace(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		c.paceMu.Lock()
		wait := c.resumeAt.Sub(c.now())
		c.paceMu.Unlock()
		if wait <= 0 {
			return nil
		}

		c.metrics.CrawlerRateLimitWaits.Inc()
		c.metrics.CrawlerRateLimitWaitSeconds.Add(wait.Seconds())
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// get issues one GET against the code host and decodes the JSON body into out.
// Rate-limit rejections are absorbed by waiting for the reset; 5xx and transport
// errors are retried by the policy; other failures are returned as *APIError.
func (s *session) get(ctx context.Context, endpoint, url string, out interface{}) (http.Header, error) {
	c := s.crawler
	var header http.Header

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		for {
			if err := c.pace(ctx); err != nil {
				return retry.Permanent(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("Accept", acceptHeader)
			req.Header.Set("User-Agent", userAgent)

			resp, err := s.client.Do(req)
			if err != nil {
				c.metrics.CrawlerRequestsTotal.WithLabelValues(endpoint, "error").Inc()
				if ctx.Err() != nil {
					return retry.Permanent(err)
				}
				return fmt.Errorf("%s request failed: %w", endpoint, err)
			}
			c.metrics.CrawlerRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

			rl := parseRateLimit(resp.Header)
			if resume, ok := c.throttled(resp, rl); ok {
				drain(resp)
				c.suspendUntil(resume)
				continue
			}
			if rl.known && rl.remaining <= c.opts.RateLimitFloor {
				c.suspendUntil(rl.reset)
			}

			err = decodeResponse(endpoint, resp, out)
			if err == nil {
				header = resp.Header
			}
			return err
		}
	})

	return header, err
}

func decodeResponse(endpoint string, resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return retry.Permanent(&APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode %s response: %w", endpoint, err))
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// nextLink returns the rel="next" target of a Link header, or ""
func nextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			segments := strings.Split(part, ";")
			if len(segments) < 2 {
				continue
			}
			target := strings.TrimSpace(segments[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range segments[1:] {
				if strings.TrimSpace(param) == `rel="next"` {
					return strings.Trim(target, "<>")
				}
			}
		}
	}
	return ""
}

// paginate follows rel="next" links from url, handing every decoded page to collect
func paginate[T any](ctx context.Context, s *session, endpoint, url string, collect func(T)) error {
	for url != "" {
		var page T
		header, err := s.get(ctx, endpoint, url, &page)
		if err != nil {
			return err
		}
		collect(page)
		url = nextLink(header)
	}
	return nil
}
