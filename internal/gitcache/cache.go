package gitcache

import (
	"context"
	"sync"
	"time"

	core "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
	"github.com/eugener/palantir/internal/telemetry"
)

const (
	detailCacheSize = 2048
	detailCacheTTL  = 30 * time.Minute
)

// Cache holds per-(pane, worktree) git state. Each scope key owns a
// diff summary, a map of per-file patches, and a paged commit log with
// detail and per-file-patch side caches.
type Cache struct {
	scraper *Scraper
	metrics *telemetry.Metrics

	mu     sync.Mutex
	states map[string]*state

	// details and commitPatches are shared TTL caches keyed by scope and
	// commit hash; entries are immutable once written.
	details       *cache.Memory[core.CommitDetail]
	commitPatches *cache.Memory[core.DiffFilePatch]
}

// state is one scope's cached git view.
type state struct {
	mu sync.Mutex

	summary    *core.DiffSummary
	summarySig string

	log    *core.CommitLog
	logSig string

	// patches caches worktree file patches; flushed whenever the summary
	// signature changes.
	patches map[string]core.DiffFilePatch
}

// NewCache creates a Cache over the scraper.
func NewCache(scraper *Scraper, metrics *telemetry.Metrics) *Cache {
	details, _ := cache.NewMemory[core.CommitDetail](detailCacheSize, detailCacheTTL)
	commitPatches, _ := cache.NewMemory[core.DiffFilePatch](detailCacheSize, detailCacheTTL)
	return &Cache{
		scraper:       scraper,
		metrics:       metrics,
		states:        map[string]*state{},
		details:       details,
		commitPatches: commitPatches,
	}
}

// Key builds the scope key for a pane + worktree pair.
func Key(paneID, worktree string) string {
	return paneID + "\x00" + worktree
}

// Reset drops a scope's summary, patch and log state and the cached
// details of its logged commits; per-commit file patches stay until their
// TTL. Called when a connection switches pane or worktree.
func (c *Cache) Reset(paneID, worktree string) {
	key := Key(paneID, worktree)
	c.mu.Lock()
	st := c.states[key]
	delete(c.states, key)
	c.mu.Unlock()

	if st != nil && st.log != nil {
		for _, commit := range st.log.Commits {
			c.details.Delete(key + "|" + commit.Hash)
		}
	}
}

// DiffSummary returns the cached summary, scraping on first access or
// when force is set.
func (c *Cache) DiffSummary(ctx context.Context, paneID, worktree string, force bool) (core.DiffSummary, error) {
	st := c.state(paneID, worktree)
	st.mu.Lock()
	if st.summary != nil && !force {
		cached := *st.summary
		st.mu.Unlock()
		return cached, nil
	}
	st.mu.Unlock()

	summary, _, err := c.refreshSummary(ctx, paneID, worktree)
	return summary, err
}

// refreshSummary scrapes and swaps the summary if its signature changed.
// The second return reports whether an observer sees a new value.
func (c *Cache) refreshSummary(ctx context.Context, paneID, worktree string) (core.DiffSummary, bool, error) {
	start := time.Now()
	summary, err := c.scraper.DiffSummary(ctx, worktree)
	c.observePoll("diff", start)
	if err != nil {
		return core.DiffSummary{}, false, err
	}

	st := c.state(paneID, worktree)
	sig := diffSignature(summary)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.summary != nil && st.summarySig == sig {
		return *st.summary, false, nil
	}
	st.summary = &summary
	st.summarySig = sig
	st.patches = map[string]core.DiffFilePatch{}
	c.countReplaced("diff")
	return summary, true, nil
}

// DiffFile returns the patch for one worktree path, cached until the
// summary signature next changes.
func (c *Cache) DiffFile(ctx context.Context, paneID, worktree, path string) (core.DiffFilePatch, error) {
	st := c.state(paneID, worktree)
	st.mu.Lock()
	if st.patches != nil {
		if patch, ok := st.patches[path]; ok {
			st.mu.Unlock()
			return patch, nil
		}
	}
	st.mu.Unlock()

	patch, err := c.scraper.DiffFile(ctx, worktree, path)
	if err != nil {
		return core.DiffFilePatch{}, err
	}

	st.mu.Lock()
	if st.patches == nil {
		st.patches = map[string]core.DiffFilePatch{}
	}
	st.patches[path] = patch
	st.mu.Unlock()
	return patch, nil
}

// CommitLog returns the cached log. offset zero refreshes the first
// page; a non-zero offset appends a page, merging by hash with the
// first occurrence winning.
func (c *Cache) CommitLog(ctx context.Context, paneID, worktree string, offset int, force bool) (core.CommitLog, error) {
	st := c.state(paneID, worktree)

	if offset == 0 {
		st.mu.Lock()
		if st.log != nil && !force {
			cached := *st.log
			st.mu.Unlock()
			return cached, nil
		}
		st.mu.Unlock()
		log, _, err := c.refreshLog(ctx, paneID, worktree)
		return log, err
	}

	page, err := c.scraper.CommitLog(ctx, worktree, offset)
	if err != nil {
		return core.CommitLog{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.log == nil {
		st.log = &page
		st.logSig = logSignature(page)
		return page, nil
	}
	merged := *st.log
	seen := map[string]bool{}
	for _, commit := range merged.Commits {
		seen[commit.Hash] = true
	}
	appended := make([]core.Commit, 0, len(merged.Commits)+len(page.Commits))
	appended = append(appended, merged.Commits...)
	for _, commit := range page.Commits {
		if seen[commit.Hash] {
			continue
		}
		seen[commit.Hash] = true
		appended = append(appended, commit)
	}
	merged.Commits = appended
	merged.HasMore = page.HasMore
	merged.TotalCount = page.TotalCount
	st.log = &merged
	st.logSig = logSignature(merged)
	return merged, nil
}

// refreshLog scrapes the first page and swaps the log if its signature
// changed. A non-append refresh prunes per-commit details whose hashes
// are no longer present.
func (c *Cache) refreshLog(ctx context.Context, paneID, worktree string) (core.CommitLog, bool, error) {
	start := time.Now()
	page, err := c.scraper.CommitLog(ctx, worktree, 0)
	c.observePoll("log", start)
	if err != nil {
		return core.CommitLog{}, false, err
	}

	key := Key(paneID, worktree)
	st := c.state(paneID, worktree)
	sig := logSignature(page)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.log != nil && st.logSig == sig {
		return *st.log, false, nil
	}

	if st.log != nil {
		kept := map[string]bool{}
		for _, commit := range page.Commits {
			kept[commit.Hash] = true
		}
		for _, commit := range st.log.Commits {
			if !kept[commit.Hash] {
				c.details.Delete(key + "|" + commit.Hash)
			}
		}
	}

	st.log = &page
	st.logSig = sig
	c.countReplaced("log")
	return page, true, nil
}

// CommitDetail returns one commit's detail, cached by hash.
func (c *Cache) CommitDetail(ctx context.Context, paneID, worktree, hash string) (core.CommitDetail, error) {
	key := Key(paneID, worktree) + "|" + hash
	if detail, ok := c.details.Get(key); ok {
		return detail, nil
	}
	detail, err := c.scraper.CommitDetail(ctx, worktree, hash)
	if err != nil {
		return core.CommitDetail{}, err
	}
	c.details.Set(key, detail, detailCacheTTL)
	return detail, nil
}

// CommitFile returns one file's patch within a commit. The map key is
// "<hash>:<path>" rather than a pointer into the parent commit.
func (c *Cache) CommitFile(ctx context.Context, paneID, worktree, hash, path string) (core.DiffFilePatch, error) {
	key := Key(paneID, worktree) + "|" + hash + ":" + path
	if patch, ok := c.commitPatches.Get(key); ok {
		return patch, nil
	}
	patch, err := c.scraper.CommitFile(ctx, worktree, hash, path)
	if err != nil {
		return core.DiffFilePatch{}, err
	}
	c.commitPatches.Set(key, patch, detailCacheTTL)
	return patch, nil
}

// Poll refreshes the summary and commit log for one scope, reporting
// which of the two actually changed. Signature-equal results replace
// nothing and report false.
func (c *Cache) Poll(ctx context.Context, paneID, worktree string) (diffChanged, logChanged bool, err error) {
	_, diffChanged, err = c.refreshSummary(ctx, paneID, worktree)
	if err != nil {
		return false, false, err
	}
	_, logChanged, err = c.refreshLog(ctx, paneID, worktree)
	if err != nil {
		return diffChanged, false, err
	}
	return diffChanged, logChanged, nil
}

func (c *Cache) state(paneID, worktree string) *state {
	key := Key(paneID, worktree)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok {
		st = &state{}
		c.states[key] = st
	}
	return st
}

func (c *Cache) observePoll(kind string, start time.Time) {
	if c.metrics != nil {
		c.metrics.GitPollSecs.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func (c *Cache) countReplaced(kind string) {
	if c.metrics != nil {
		c.metrics.GitCacheReplaced.WithLabelValues(kind).Inc()
	}
}
