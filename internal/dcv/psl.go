package dcv

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// SuffixCache holds the public suffix rule set used to compute registrable
// root domains. Rules load lazily and refresh on a TTL; when no rules are
// available the compiled-in table from golang.org/x/net/publicsuffix is the
// fallback, so resolution never depends on the network being up.
type SuffixCache struct {
	mu         sync.RWMutex
	rules      map[string]struct{} // exact rules, e.g. "co.uk"
	wildcards  map[string]struct{} // wildcard rule bases, "*.ck" stored as "ck"
	exceptions map[string]struct{} // exception rules, "!www.ck" stored as "www.ck"
	loadedAt   time.Time

	url    string
	ttl    time.Duration
	client *http.Client
}

// NewSuffixCache creates a cache refreshing from url every ttl. An empty url
// disables refresh entirely; everything then goes through the compiled-in
// table.
func NewSuffixCache(url string, ttl time.Duration) *SuffixCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SuffixCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh fetches and parses the suffix list. The previous rule set stays in
// place when the fetch fails.
func (c *SuffixCache) Refresh(ctx context.Context) error {
	if c.url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("dcv: failed to build suffix list request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dcv: suffix list fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dcv: suffix list fetch returned status %d", resp.StatusCode)
	}

	rules := make(map[string]struct{})
	wildcards := make(map[string]struct{})
	exceptions := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		line = strings.ToLower(line)
		switch {
		case strings.HasPrefix(line, "!"):
			exceptions[strings.TrimPrefix(line, "!")] = struct{}{}
		case strings.HasPrefix(line, "*."):
			wildcards[strings.TrimPrefix(line, "*.")] = struct{}{}
		default:
			rules[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("dcv: failed to read suffix list: %w", err)
	}
	if len(rules) == 0 {
		return fmt.Errorf("dcv: suffix list parsed to zero rules")
	}

	c.mu.Lock()
	c.rules = rules
	c.wildcards = wildcards
	c.exceptions = exceptions
	c.loadedAt = time.Now()
	c.mu.Unlock()
	logger.Info("Public suffix list refreshed", zap.Int("rules", len(rules)))
	return nil
}

// maybeRefresh refreshes when the rule set is stale. Failures are logged and
// swallowed; the stale set (or the compiled-in fallback) keeps serving.
func (c *SuffixCache) maybeRefresh(ctx context.Context) {
	c.mu.RLock()
	stale := c.url != "" && time.Since(c.loadedAt) > c.ttl
	c.mu.RUnlock()
	if !stale {
		return
	}
	if err := c.Refresh(ctx); err != nil {
		logger.Warn("Public suffix list refresh failed, keeping previous rules", zap.Error(err))
		// push loadedAt forward a little so a dead list URL is not hammered
		c.mu.Lock()
		if c.loadedAt.IsZero() {
			c.loadedAt = time.Now().Add(-c.ttl).Add(5 * time.Minute)
		}
		c.mu.Unlock()
	}
}

// RegistrableDomain returns the registrable root of host: the public suffix
// plus one label. A host that is itself a public suffix is an error.
func (c *SuffixCache) RegistrableDomain(ctx context.Context, host string) (string, error) {
	c.maybeRefresh(ctx)
	host = strings.Trim(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("dcv: empty host")
	}

	c.mu.RLock()
	loaded := len(c.rules) > 0
	c.mu.RUnlock()
	if !loaded {
		root, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			return "", fmt.Errorf("dcv: no registrable domain for %q: %w", host, err)
		}
		return root, nil
	}

	labels := strings.Split(host, ".")
	suffixLen := c.matchSuffix(labels)
	if suffixLen >= len(labels) {
		return "", fmt.Errorf("dcv: %q is a public suffix", host)
	}
	return strings.Join(labels[len(labels)-suffixLen-1:], "."), nil
}

// matchSuffix returns the label count of the longest matching public suffix
// rule, following the standard list semantics: exception rules win and
// shorten the match by one label, wildcard rules extend their base by one,
// and an unlisted TLD matches as a single label.
func (c *SuffixCache) matchSuffix(labels []string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := 1
	for i := 0; i < len(labels); i++ {
		candidate := strings.Join(labels[i:], ".")
		n := len(labels) - i
		if _, ok := c.exceptions[candidate]; ok {
			return n - 1
		}
		if _, ok := c.rules[candidate]; ok && n > best {
			best = n
		}
		if _, ok := c.wildcards[candidate]; ok && i > 0 && n+1 > best {
			best = n + 1
		}
	}
	return best
}
