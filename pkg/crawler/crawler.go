package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/fetch"
	mlog "github.com/Sriram-PR/site-mirror/pkg/log"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/queue"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/storage"
	"github.com/Sriram-PR/site-mirror/pkg/throttle"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
	"github.com/Sriram-PR/site-mirror/pkg/workerpool"
)

const (
	progressInterval = 30 * time.Second
	// poolBacklogFactor bounds post-processing backlog per worker before downloads wait.
	poolBacklogFactor = 4
	// drainTimeout bounds the wait for in-flight work after cancellation.
	drainTimeout = 10 * time.Second
)

// Options are the optional collaborators of a Crawler. Zero values are built from config.
type Options struct {
	// Transport is shared between crawlers of one process; nil builds a private one.
	Transport *Transport
	// Store overrides the badger store opened from StateDir. The crawler does not close it.
	Store storage.VisitedStore
	// Resume continues a previous run of the site instead of starting afresh.
	Resume bool
	// Customize may edit the default stage chains before the executor is built.
	Customize func(*pipeline.Registry)
}

// Stats counts resources by what happened to them.
type Stats struct {
	Queued      int64
	Downloaded  int64
	Saved       int64
	Failed      int64
	Discarded   int64
	Requeued    int64
	Pending     int
	Running     int
	Concurrency int
	Pool        workerpool.Stats
}

// Crawler mirrors one configured site. It is the frontier: it owns the fetch
// queue and the dedup store, runs downloads with bounded concurrency and hands
// each body to the worker pool, feeding discovered children back to itself.
type Crawler struct {
	log       *logrus.Entry
	appCfg    *config.AppConfig
	siteCfg   *config.SiteConfig
	siteKey   string
	localRoot string // Directory this site is mirrored into
	resume    bool

	stripSearch bool
	ownStore    bool

	// Core components
	store    storage.VisitedStore
	exec     *pipeline.Executor
	runner   *queue.LimitedRunner
	pool     *workerpool.Pool
	throttle *throttle.Controller
	robots   *fetch.RobotsHandler
	sinks    *mlog.Sinks
	output   *OutputManager

	// Tracking and coordination
	wg          sync.WaitGroup // One count per resource between enqueue and its final status
	crawlCtx    context.Context
	cancelCrawl context.CancelFunc
	disposeOnce sync.Once

	queued     atomic.Int64
	downloaded atomic.Int64
	saved      atomic.Int64
	failed     atomic.Int64
	discarded  atomic.Int64
	requeued   atomic.Int64

	// Sitemaps announced by robots.txt
	discoverSitemaps bool
	foundSitemaps    map[string]bool
	foundSitemapsMu  sync.Mutex
}

// NewCrawler creates a crawler and its components for one site. siteCfg must
// have been validated. The crawl runs under ctx once Run is called.
func NewCrawler(ctx context.Context, appCfg *config.AppConfig, siteCfg *config.SiteConfig, siteKey string, baseLogger *logrus.Entry, opts Options) (*Crawler, error) {
	logger := baseLogger.WithField("site_key", siteKey)

	disallowed, err := utils.CompileRegexPatterns(siteCfg.DisallowedPathPatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling disallowed patterns for site '%s': %w", siteKey, err)
	}

	crawlCtx, cancel := context.WithCancel(ctx)
	c := &Crawler{
		log:              logger,
		appCfg:           appCfg,
		siteCfg:          siteCfg,
		siteKey:          siteKey,
		localRoot:        filepath.Join(appCfg.OutputBaseDir, utils.SanitizeFilename(siteKey)),
		resume:           opts.Resume,
		stripSearch:      config.GetEffectiveDeduplicateStripSearch(*siteCfg, *appCfg),
		crawlCtx:         crawlCtx,
		cancelCrawl:      cancel,
		discoverSitemaps: config.GetEffectiveDiscoverSitemaps(*siteCfg, *appCfg),
		foundSitemaps:    make(map[string]bool),
	}

	if c.sinks, err = mlog.NewSinks(siteLogDir(appCfg.LogDir, siteKey), logger); err != nil {
		cancel()
		return nil, err
	}

	c.store = opts.Store
	if c.store == nil {
		store, err := storage.NewBadgerStore(crawlCtx, appCfg.StateDir, siteKey, opts.Resume, logger)
		if err != nil {
			c.sinks.Close()
			cancel()
			return nil, err
		}
		c.store, c.ownStore = store, true
	}

	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(appCfg, logger)
	}
	if config.GetEffectiveRespectRobots(*siteCfg, *appCfg) {
		var notifier fetch.SitemapDiscoverer
		if c.discoverSitemaps {
			notifier = c
		}
		c.robots = fetch.NewRobotsHandler(transport.Fetcher, transport.Gate,
			config.GetEffectiveUserAgent(*siteCfg, *appCfg), config.GetEffectiveDelayPerHost(*siteCfg, *appCfg), notifier, logger)
	}

	reg, err := c.defaultRegistry(transport, disallowed)
	if err != nil {
		c.closeOwned()
		cancel()
		return nil, err
	}
	if opts.Customize != nil {
		opts.Customize(&reg)
	}
	resOpts := config.ResourceOptions(*siteCfg, *appCfg)
	resOpts.LocalRoot = c.localRoot
	c.exec = pipeline.NewExecutor(reg, resOpts, c.sinks, logger)

	if c.pool, err = workerpool.New(appCfg.NumWorkers, c.exec.PostProcess, logger); err != nil {
		c.closeOwned()
		cancel()
		return nil, err
	}
	c.runner = queue.NewLimitedRunner(appCfg.Concurrency, c.process, logger)
	c.throttle = throttle.NewController(c.runner, c.downloaded.Load, throttle.Config{Min: appCfg.MinConcurrency, Max: appCfg.MaxConcurrency}, logger)
	c.output = NewOutputManager(logger, appCfg, siteCfg, siteKey, c.localRoot)
	return c, nil
}

func siteLogDir(logDir, siteKey string) string {
	if logDir == "" {
		return ""
	}
	return filepath.Join(logDir, utils.SanitizeFilename(siteKey))
}

// LocalRoot returns the directory the site is mirrored into.
func (c *Crawler) LocalRoot() string { return c.localRoot }

// Executor returns the pipeline executor of the crawl.
func (c *Crawler) Executor() *pipeline.Executor { return c.exec }

// FoundSitemap implements fetch.SitemapDiscoverer. It may be called while the
// robots handler is still filling its cache, so the sitemap is processed on
// its own goroutine.
func (c *Crawler) FoundSitemap(sitemapURL string) {
	c.foundSitemapsMu.Lock()
	isNew := !c.foundSitemaps[sitemapURL]
	c.foundSitemaps[sitemapURL] = true
	c.foundSitemapsMu.Unlock()
	if !isNew || c.crawlCtx.Err() != nil {
		return
	}

	c.log.Debugf("Sitemap announced by robots.txt: %s", sitemapURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.seed(sitemapURL, resource.SiteMap)
	}()
}

// Stats returns a snapshot of the crawl counters.
func (c *Crawler) Stats() Stats {
	return Stats{
		Queued:      c.queued.Load(),
		Downloaded:  c.downloaded.Load(),
		Saved:       c.saved.Load(),
		Failed:      c.failed.Load(),
		Discarded:   c.discarded.Load(),
		Requeued:    c.requeued.Load(),
		Pending:     c.runner.Pending(),
		Running:     c.runner.Running(),
		Concurrency: c.runner.Concurrency(),
		Pool:        c.pool.Stats(),
	}
}

// Run mirrors the site and blocks until every discovered resource is handled
// or the crawl is cancelled. Components are disposed when it returns.
func (c *Crawler) Run() error {
	defer c.Dispose()

	runLogFields := logrus.Fields{"local_root": c.localRoot, "resume": c.resume}
	c.log.WithFields(runLogFields).Infof("Mirror starting with %d worker(s), concurrency %d...", c.appCfg.NumWorkers, c.runner.Concurrency())
	startTime := time.Now()

	if c.appCfg.GlobalCrawlTimeout > 0 {
		var cancel context.CancelFunc
		c.crawlCtx, cancel = context.WithTimeout(c.crawlCtx, c.appCfg.GlobalCrawlTimeout)
		defer cancel()
	}

	if !c.resume {
		if err := c.cleanLocalRoot(); err != nil {
			c.log.WithFields(runLogFields).Errorf("Failed to clean local root, attempting to continue: %v", err)
		}
	}
	if err := os.MkdirAll(c.localRoot, 0755); err != nil {
		return fmt.Errorf("%w: creating local root '%s' for site '%s': %w", utils.ErrFilesystem, c.localRoot, c.siteKey, err)
	}
	c.output.OpenFiles(c.resume)

	c.runner.Start(c.crawlCtx)
	go c.throttle.Run(c.crawlCtx, c.appCfg.AdjustConcurrencyPeriod)
	if c.ownStore && c.appCfg.DBGCInterval > 0 {
		go c.store.RunGC(c.crawlCtx, c.appCfg.DBGCInterval)
	}
	progressDone := make(chan struct{})
	go c.reportProgress(progressDone)

	// Seeding holds one count so the crawl cannot look finished before it started.
	c.wg.Add(1)
	if c.resume {
		if err := c.requeueIncomplete(); err != nil {
			c.log.WithFields(runLogFields).Errorf("Error encountered during DB requeue scan: %v", err)
		}
	}
	seeded := 0
	for _, startURL := range c.siteCfg.StartURLs {
		if c.seed(startURL, resource.Html) {
			seeded++
		}
	}
	if seeded == 0 && c.requeued.Load() == 0 {
		c.log.WithFields(runLogFields).Warn("No start URL was queued (already mirrored, out of scope or disallowed).")
	}
	c.wg.Done()

	c.waitForCompletion()
	close(progressDone)

	saved, bytes := c.output.Saved()
	if err := c.output.Close(c.sinks.RunID, c.sinks.Counts()); err != nil {
		c.log.Errorf("Failed to write mirror metadata: %v", err)
	}
	if c.appCfg.StateDir != "" {
		logPath := filepath.Join(c.appCfg.StateDir, utils.SanitizeFilename(c.siteKey)+"_visited.log")
		if err := c.store.WriteVisitedLog(logPath); err != nil {
			c.log.Warnf("Could not write visited log: %v", err)
		}
	}

	st := c.Stats()
	summaryLog := c.log.WithFields(logrus.Fields{"local_root": c.localRoot})
	summaryLog.Info("========================================================================")
	summaryLog.Info("MIRROR FINISHED")
	summaryLog.Infof("Duration:         %v", time.Since(startTime))
	summaryLog.Infof("Final Stats: Queued: %d, Downloaded: %d, Saved: %d (%d recorded, %d bytes), Failed: %d, Discarded: %d, Requeued: %d",
		st.Queued, st.Downloaded, st.Saved, saved, bytes, st.Failed, st.Discarded, st.Requeued)
	summaryLog.Info("========================================================================")

	return c.crawlCtx.Err()
}

// waitForCompletion blocks until all resources are handled or the crawl is
// cancelled; on cancellation it drains the queue and waits a bounded time for
// in-flight work to settle.
func (c *Crawler) waitForCompletion() {
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()

	select {
	case <-done:
		c.log.Debug("All resources handled.")
		c.runner.Close()
		c.runner.Wait()
		return
	case <-c.crawlCtx.Done():
		c.log.Warnf("Mirror cancelled (%v), draining queue...", c.crawlCtx.Err())
	}

	for range c.runner.Drain() {
		c.wg.Done()
	}
	c.pool.Dispose()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		c.log.Warnf("In-flight resources did not settle within %v", drainTimeout)
	}
}

// Dispose cancels the crawl, rejects all post-processing still in the worker
// pool and releases the components the crawler owns. It is idempotent.
func (c *Crawler) Dispose() {
	c.disposeOnce.Do(func() {
		c.cancelCrawl()
		c.runner.Drain()
		c.pool.Dispose()
		c.closeOwned()
	})
}

func (c *Crawler) closeOwned() {
	if c.ownStore {
		if err := c.store.Close(); err != nil {
			c.log.Warnf("Error closing store: %v", err)
		}
	}
	if err := c.sinks.Close(); err != nil {
		c.log.Warnf("Error closing log sinks: %v", err)
	}
}

func (c *Crawler) reportProgress(done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.crawlCtx.Done():
			return
		case <-ticker.C:
			st := c.Stats()
			visited, _ := c.store.GetVisitedCount()
			c.log.WithFields(logrus.Fields{
				"visited_db":   visited,
				"queued":       st.Queued,
				"downloaded":   st.Downloaded,
				"saved":        st.Saved,
				"failed":       st.Failed,
				"pending":      st.Pending,
				"running":      st.Running,
				"concurrency":  st.Concurrency,
				"pool_busy":    st.Pool.Busy,
				"pool_pending": st.Pool.Pending,
			}).Info("Mirror Progress")
		}
	}
}

// seed runs a start URL through the link phases at depth 0 and enqueues it.
func (c *Crawler) seed(rawURL string, t resource.Type) bool {
	seedLog := c.log.WithFields(logrus.Fields{"url": rawURL, "type": t.String()})
	r, err := c.exec.ProcessLink(c.crawlCtx, pipeline.Link{URL: rawURL, Type: t, Depth: 0})
	if err != nil {
		c.sinks.Failure(err, logrus.Fields{"url": rawURL})
		return false
	}
	if r == nil {
		seedLog.Warn("Start URL discarded by the link stages.")
		return false
	}
	if r.ShouldBeDiscardedFromDownload {
		seedLog.Info("Start URL not downloaded (out of scope, disallowed or already saved).")
		return false
	}
	return c.enqueue(r)
}

// requeueIncomplete puts the resources a previous run left unfinished back in the queue.
func (c *Crawler) requeueIncomplete() error {
	c.log.Info("Resume mode: scanning database for incomplete resources to requeue...")
	items := make(chan models.WorkItem, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for item := range items {
			c.requeue(item)
		}
	}()
	count, scanErrors, err := c.store.RequeueIncomplete(c.crawlCtx, items)
	close(items)
	wg.Wait()
	c.log.WithFields(logrus.Fields{"requeued": c.requeued.Load(), "found": count, "scan_errors": scanErrors}).Info("DB requeue scan complete.")
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (c *Crawler) requeue(item models.WorkItem) {
	r, err := resource.Create(resource.Params{
		Type: item.Type, Depth: item.Depth, URL: item.URL,
		RefURL: item.RefURL, RefSavePath: item.RefSavePath, RefType: item.RefType,
	}, c.exec.Options())
	if err == nil {
		r, err = c.exec.BeforeDownload(c.crawlCtx, r)
	}
	key := item.URL
	if err != nil || r == nil || r.ShouldBeDiscardedFromDownload {
		if err != nil {
			c.sinks.Failure(err, logrus.Fields{"url": item.URL})
		}
		if normalized, _, perr := parse.ParseAndNormalize(item.URL, c.stripSearch); perr == nil {
			key = normalized
		}
		c.setStatus(key, &models.ResourceDBEntry{Status: models.StatusDiscarded, URL: item.URL, Type: item.Type, Depth: item.Depth, LastAttempt: time.Now()})
		return
	}
	c.wg.Add(1)
	if !c.runner.Add(r) {
		c.wg.Done()
		return
	}
	c.requeued.Add(1)
}

// enqueue queues r for download unless it is flagged, too deep or already known.
func (c *Crawler) enqueue(r *resource.Resource) bool {
	if r == nil || r.ShouldBeDiscardedFromDownload || r.URI == nil {
		return false
	}
	if c.siteCfg.MaxDepth > 0 && r.Depth > c.siteCfg.MaxDepth {
		c.sinks.Skip().WithFields(logrus.Fields{"url": r.URL, "depth": r.Depth}).Debug("Not queued: beyond max depth")
		return false
	}
	if c.crawlCtx.Err() != nil {
		return false
	}

	key := parse.NormalizeURL(r.URI, c.stripSearch)
	isNew, err := c.store.MarkQueued(key, models.EntryFor(r))
	if err != nil {
		c.sinks.Failure(err, logrus.Fields{"url": r.URL, "key": key})
		return false
	}
	if !isNew {
		return false
	}

	c.wg.Add(1)
	if !c.runner.Add(r) {
		c.wg.Done()
		return false
	}
	c.queued.Add(1)
	return true
}

// process is the runner callback: it downloads r and hands the body to the
// worker pool. The resource's wait group count is released when its outcome
// has been collected.
func (c *Crawler) process(ctx context.Context, r *resource.Resource) {
	handedOff := false
	defer func() {
		if !handedOff {
			c.wg.Done()
		}
	}()

	key := parse.NormalizeURL(r.URI, c.stripSearch)
	taskLog := c.log.WithFields(logrus.Fields{"url": r.URL, "depth": r.Depth, "type": r.Type.String()})
	entry := models.EntryFor(r)

	d, err := c.exec.Download(ctx, r)
	if err != nil {
		c.fail(key, entry, err, taskLog)
		return
	}
	if d == nil {
		c.discarded.Add(1)
		entry.Status = models.StatusDiscarded
		c.setStatus(key, entry)
		return
	}
	c.downloaded.Add(1)
	entry.Status = models.StatusDownloaded
	c.setStatus(key, entry)

	hash := ""
	if len(d.Body) > 0 {
		sum := sha256.Sum256(d.Body)
		hash = hex.EncodeToString(sum[:])
	}

	if err := c.waitForPool(ctx); err != nil {
		return
	}
	payload := d.RawResource
	out, err := c.pool.Submit(workerpool.Task{ID: key, Payload: payload, Transfer: []any{payload.Body}})
	if err != nil {
		c.fail(key, entry, err, taskLog)
		return
	}
	// The body now belongs to the pool.
	r.Body = nil
	handedOff = true
	go c.collect(key, r, entry, hash, out, taskLog)
}

// waitForPool holds a download back while the worker pool's backlog is full.
func (c *Crawler) waitForPool(ctx context.Context) error {
	limit := c.appCfg.NumWorkers * poolBacklogFactor
	for c.pool.Stats().Pending >= limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// collect waits for the post-processing outcome of a resource, enqueues its
// children and records its final status.
func (c *Crawler) collect(key string, r *resource.Resource, entry *models.ResourceDBEntry, hash string, out <-chan workerpool.Outcome, taskLog *logrus.Entry) {
	defer c.wg.Done()
	o := <-out

	for _, raw := range o.Children {
		child, err := resource.FromRaw(raw)
		if err != nil {
			c.sinks.Failure(err, logrus.Fields{"url": raw.URL, "ref": r.URL})
			continue
		}
		c.enqueue(child)
	}

	if o.Err != nil {
		c.fail(key, entry, o.Err, taskLog)
		return
	}

	info, statErr := os.Stat(r.AbsSavePath())
	if statErr != nil {
		// A save stage ended the chain without writing, e.g. a custom saver.
		c.discarded.Add(1)
		entry.Status = models.StatusDiscarded
		c.setStatus(key, entry)
		taskLog.Debug("Resource handled without a saved file")
		return
	}

	if hash == "" {
		// Streamed bodies never pass through memory; hash what landed on disk.
		if fileHash, err := utils.CalculateFileSHA256(r.AbsSavePath()); err == nil {
			hash = fileHash
		} else {
			taskLog.Debugf("Could not hash saved file: %v", err)
		}
	}

	now := time.Now()
	entry.Status = models.StatusSaved
	entry.ContentHash = hash
	entry.Size = info.Size()
	entry.SavedAt = now
	entry.LastAttempt = now
	c.setStatus(key, entry)
	c.saved.Add(1)

	c.output.Record(models.ResourceMetadata{
		URL:           r.URL,
		RedirectedURL: r.RedirectedURL,
		SavePath:      r.SavePath,
		Type:          r.Type,
		Depth:         r.Depth,
		Size:          info.Size(),
		ContentHash:   hash,
		SavedAt:       now,
	}, taskLog)
	taskLog.WithField("save_path", r.SavePath).Debug("Saved")
}

// fail records a failed resource. Failures caused by cancellation leave the
// entry incomplete so a resumed run picks it up again.
func (c *Crawler) fail(key string, entry *models.ResourceDBEntry, err error, taskLog *logrus.Entry) {
	if c.crawlCtx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, utils.ErrDisposed)) {
		taskLog.Debugf("Abandoned on shutdown: %v", err)
		return
	}
	c.failed.Add(1)
	c.sinks.Failure(err, logrus.Fields{"url": entry.URL, "depth": entry.Depth})
	entry.Status = models.StatusFailed
	entry.ErrorType = utils.CategorizeError(err)
	entry.LastAttempt = time.Now()
	c.setStatus(key, entry)
}

func (c *Crawler) setStatus(key string, entry *models.ResourceDBEntry) {
	if err := c.store.UpdateStatus(key, entry); err != nil {
		c.log.WithField("key", key).Errorf("Failed to update status to '%s': %v", entry.Status, err)
	}
}

// cleanLocalRoot removes a previous mirror of the site. It refuses to remove
// anything that is not strictly inside the output base directory.
func (c *Crawler) cleanLocalRoot() error {
	absBase, err := filepath.Abs(c.appCfg.OutputBaseDir)
	if err != nil {
		return fmt.Errorf("safety check failed (resolving base path '%s'): %w", c.appCfg.OutputBaseDir, err)
	}
	absSite, err := filepath.Abs(c.localRoot)
	if err != nil {
		return fmt.Errorf("safety check failed (resolving site path '%s'): %w", c.localRoot, err)
	}

	if absSite == absBase || !strings.HasPrefix(absSite, absBase+string(filepath.Separator)) {
		return fmt.Errorf("safety check failed: would not remove '%s' outside '%s'", absSite, absBase)
	}
	if err := os.RemoveAll(c.localRoot); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove local root '%s': %w", c.localRoot, err)
	}
	c.log.Debugf("Removed previous mirror at %s", c.localRoot)
	return nil
}
