package crawler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/flossfund/pkg/observability"
	"github.com/platinummonkey/flossfund/pkg/oracle"
	"github.com/platinummonkey/flossfund/pkg/retry"
)

// Org identifies the organization whose repositories are crawled
type Org struct {
	Name           string
	InstallationID int64
}

// Repository is the subset of the code host's repository object the crawler reads
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Archived bool   `json:"archived"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// CodeResult is one code search hit
type CodeResult struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type searchKey struct {
	Repo     string
	Registry string
	Language string
	Pattern  string
}

// Options configures a Crawler. MinRequestSpacing defaults to 750ms; a negative
// value disables spacing.
type Options struct {
	BaseURL              string
	MaxConcurrentFetches int
	MinRequestSpacing    time.Duration
	RateLimitFloor       int
	CacheSize            int
	CacheTTL             time.Duration
	Retry                *retry.Policy
	Transport            http.RoundTripper
	Logger               logrus.FieldLogger
	Metrics              *observability.Metrics
	Now                  func() time.Time
	Sleep                func(context.Context, time.Duration) error
}

// DefaultOptions returns the production pacing for the public GitHub API
func DefaultOptions() Options {
	return Options{
		BaseURL:              "https://api.github.com",
		MaxConcurrentFetches: 30,
		MinRequestSpacing:    750 * time.Millisecond,
		RateLimitFloor:       5,
		CacheSize:            4096,
		CacheTTL:             15 * time.Minute,
	}
}

// Crawler finds manifest files across an organization's repositories. A Crawler
// and its caches belong to one invocation; create a new one per run.
type Crawler struct {
	opts      Options
	tokens    TokenSourceFunc
	transport http.RoundTripper
	retry     *retry.Policy
	logger    logrus.FieldLogger
	metrics   *observability.Metrics
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	limiter  *rate.Limiter
	fetchSem *semaphore.Weighted

	paceMu   sync.Mutex
	resumeAt time.Time

	repos    *lru.LRU[string, []Repository]
	searches *lru.LRU[searchKey, []CodeResult]
}

// New creates a crawler authenticating through tokens
func New(tokens TokenSourceFunc, opts Options) *Crawler {
	defaults := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = defaults.BaseURL
	}
	if opts.MaxConcurrentFetches <= 0 {
		opts.MaxConcurrentFetches = defaults.MaxConcurrentFetches
	}
	if opts.RateLimitFloor <= 0 {
		opts.RateLimitFloor = defaults.RateLimitFloor
	}
	if opts.MinRequestSpacing == 0 {
		opts.MinRequestSpacing = defaults.MinRequestSpacing
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaults.CacheTTL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	c := &Crawler{
		opts:     opts,
		tokens:   tokens,
		retry:    opts.Retry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		sleep:    opts.Sleep,
		fetchSem: semaphore.NewWeighted(int64(opts.MaxConcurrentFetches)),
		repos:    lru.NewLRU[string, []Repository](opts.CacheSize, nil, opts.CacheTTL),
		searches: lru.NewLRU[searchKey, []CodeResult](opts.CacheSize, nil, opts.CacheTTL),
	}

	if c.retry == nil {
		c.retry = retry.NewPolicy(retry.DefaultConfig())
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.metrics == nil {
		c.metrics = observability.NewNopMetrics()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = retry.Sleep
	}

	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.transport = otelhttp.NewTransport(base)

	if opts.MinRequestSpacing > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.MinRequestSpacing), 1)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return c
}

// session is an authenticated view of the crawler for one organization
type session struct {
	crawler *Crawler
	client  *http.Client
}

// newSession fetches one installation token and pins it for the whole crawl
func (c *Crawler) newSession(ctx context.Context, installationID int64) (*session, error) {
	token, err := c.tokens(ctx, installationID).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get installation token: %w", err)
	}

	return &session{
		crawler: c,
		client: &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(token),
				Base:   c.transport,
			},
		},
	}, nil
}

// ManifestsForOrg returns the contents of every manifest matching patterns in the
// organization's non-archived repositories. Any unrecoverable API error aborts the
// crawl; no partial result is returned.
func (c *Crawler) ManifestsForOrg(ctx context.Context, org Org, patterns []oracle.ManifestPattern) ([]oracle.Manifest, error) {
	if org.Name == "" || org.InstallationID == 0 {
		return nil, fmt.Errorf("organization name and installation id are required to crawl")
	}
	logger := c.logger.WithField("org", org.Name)

	s, err := c.newSession(ctx, org.InstallationID)
	if err != nil {
		return nil, err
	}

	repos, err := s.orgRepos(ctx, org.Name)
	if err != nil {
		return nil, err
	}

	type fetchJob struct {
		eco  oracle.Ecosystem
		repo Repository
		path string
	}
	var jobs []fetchJob
	seen := make(map[string]struct{})

	for _, pattern := range patterns {
		for _, repo := range repos {
			for _, glob := range pattern.Patterns {
				results, err := s.searchManifests(ctx, repo, pattern.Ecosystem(), glob)
				if err != nil {
					return nil, err
				}
				for _, file := range results {
					id := pattern.Ecosystem().Key() + "|" + repo.FullName + "|" + file.Path
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
					jobs = append(jobs, fetchJob{eco: pattern.Ecosystem(), repo: repo, path: file.Path})
				}
			}
		}
	}

	manifests := make([]oracle.Manifest, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			content, err := s.fetchFile(gctx, job.repo, job.path)
			if err != nil {
				return err
			}
			manifests[i] = oracle.Manifest{Registry: job.eco.Registry, Language: job.eco.Language, Content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Infof("Found %d manifest files in %d repositories", len(manifests), len(repos))
	return manifests, nil
}

// orgRepos lists the organization's repositories, dropping archived ones
func (s *session) orgRepos(ctx context.Context, org string) ([]Repository, error) {
	c := s.crawler
	if repos, ok := c.repos.Get(org); ok {
		return repos, nil
	}

	c.logger.WithField("org", org).Info("Listing repositories")
	start := fmt.Sprintf("%s/orgs/%s/repos?per_page=100", c.opts.BaseURL, url.PathEscape(org))

	var repos []Repository
	err := paginate(ctx, s, "list_repos", start, func(page []Repository) {
		for _, repo := range page {
			if !repo.Archived {
				repos = append(repos, repo)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories for %s: %w", org, err)
	}

	c.repos.Add(org, repos)
	return repos, nil
}

// searchManifests finds files at the repository root whose name matches glob
// exactly. Code search also returns partial matches such as package-lock.json for
// package.json; those are dropped.
func (s *session) searchManifests(ctx context.Context, repo Repository, eco oracle.Ecosystem, glob string) ([]CodeResult, error) {
	c := s.crawler
	key := searchKey{Repo: repo.FullName, Registry: eco.Registry, Language: eco.Language, Pattern: glob}
	if results, ok := c.searches.Get(key); ok {
		return results, nil
	}

	c.logger.WithFields(logrus.Fields{
		"repo":      repo.FullName,
		"ecosystem": eco.Key(),
		"pattern":   glob,
	}).Debug("Searching for manifests")

	query := url.Values{}
	query.Set("q", fmt.Sprintf("filename:%s path:/ repo:%s", glob, repo.FullName))
	query.Set("per_page", "100")
	start := fmt.Sprintf("%s/search/code?%s", c.opts.BaseURL, query.Encode())

	results := []CodeResult{}
	var matchErr error
	err := paginate(ctx, s, "search_code", start, func(page struct {
		Items []CodeResult `json:"items"`
	}) {
		for _, item := range page.Items {
			ok, err := path.Match(glob, item.Name)
			if err != nil {
				matchErr = err
				return
			}
			if ok {
				results = append(results, item)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s for %s: %w", repo.FullName, glob, err)
	}
	if matchErr != nil {
		return nil, fmt.Errorf("invalid manifest pattern %q: %w", glob, matchErr)
	}

	c.searches.Add(key, results)
	return results, nil
}

// fetchFile downloads one file, holding a slot of the fetch semaphore
func (s *session) fetchFile(ctx context.Context, repo Repository, filePath string) (string, error) {
	c := s.crawler
	if err := c.fetchSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.fetchSem.Release(1)

	c.metrics.CrawlerFetchesInFlight.Inc()
	defer c.metrics.CrawlerFetchesInFlight.Dec()

	segments := strings.Split(strings.TrimPrefix(filePath, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	target := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.opts.BaseURL, url.PathEscape(repo.Owner.Login), url.PathEscape(repo.Name), strings.Join(segments, "/"))

	c.logger.WithField("repo", repo.FullName).Debugf("Fetching %s", filePath)

	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if _, err := s.get(ctx, "get_contents", target, &body); err != nil {
		return "", fmt.Errorf("failed to fetch %s from %s: %w", filePath, repo.FullName, err)
	}

	if body.Encoding != "" && body.Encoding != "base64" {
		return "", fmt.Errorf("unexpected encoding %q for %s in %s", body.Encoding, filePath, repo.FullName)
	}
	decoded, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s from %s: %w", filePath, repo.FullName, err)
	}
	return string(decoded), nil
}
