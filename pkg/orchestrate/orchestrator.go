package orchestrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/crawler"
	"github.com/Sriram-PR/site-mirror/pkg/fetch"
)

// SiteResult contains the result of mirroring a single site
type SiteResult struct {
	SiteKey  string
	Success  bool
	Error    error
	Stats    crawler.Stats
	Duration time.Duration
}

// Orchestrator mirrors several sites in parallel over one shared transport
type Orchestrator struct {
	appCfg   *config.AppConfig
	log      *logrus.Entry
	siteKeys []string
	resume   bool

	// Shared across sites so global and per-host request limits hold for the whole process
	transport *crawler.Transport

	// Results
	results   []SiteResult
	resultsMu sync.Mutex

	// Live crawlers, for progress
	running   map[string]*crawler.Crawler
	runningMu sync.Mutex
}

// NewOrchestrator creates a new orchestrator for parallel site mirroring
func NewOrchestrator(appCfg *config.AppConfig, siteKeys []string, resume bool, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		appCfg:    appCfg,
		log:       log,
		siteKeys:  siteKeys,
		resume:    resume,
		transport: crawler.NewTransport(appCfg, log),
		results:   make([]SiteResult, 0, len(siteKeys)),
		running:   make(map[string]*crawler.Crawler),
	}
}

// Run mirrors all sites, at most MaxParallelSites at a time, and waits for completion.
// A failing site does not stop the others; cancelling ctx stops all of them.
func (o *Orchestrator) Run(ctx context.Context) []SiteResult {
	startTime := time.Now()
	o.log.Infof("Starting mirror of %d site(s): %v", len(o.siteKeys), o.siteKeys)

	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	go o.transport.Gate.RunMaintenance(maintCtx, fetch.HostIdleTimeout)

	g, gctx := errgroup.WithContext(ctx)
	limit := o.appCfg.MaxParallelSites
	if limit <= 0 {
		limit = len(o.siteKeys)
	}
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, siteKey := range o.siteKeys {
		g.Go(func() error {
			result := o.mirrorSite(gctx, siteKey)
			o.resultsMu.Lock()
			o.results = append(o.results, result)
			o.resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // mirrorSite reports errors through its result

	o.resultsMu.Lock()
	slices.SortFunc(o.results, func(a, b SiteResult) int { return cmp.Compare(a.SiteKey, b.SiteKey) })
	results := slices.Clone(o.results)
	o.resultsMu.Unlock()

	o.logSummary(results, time.Since(startTime))
	return results
}

// mirrorSite mirrors a single site with the shared transport
func (o *Orchestrator) mirrorSite(ctx context.Context, siteKey string) SiteResult {
	startTime := time.Now()
	result := SiteResult{SiteKey: siteKey}
	siteLog := o.log.WithField("site_key", siteKey)

	siteCfg, exists := o.appCfg.Sites[siteKey]
	if !exists {
		result.Error = fmt.Errorf("site '%s' not found in configuration", siteKey)
		siteLog.Error("Site not found in configuration")
		return result
	}
	warnings, err := siteCfg.Validate()
	for _, w := range warnings {
		siteLog.Warnf("Config warning: %s", w)
	}
	if err != nil {
		result.Error = err
		siteLog.Errorf("Invalid site configuration: %v", err)
		return result
	}

	c, err := crawler.NewCrawler(ctx, o.appCfg, &siteCfg, siteKey, o.log, crawler.Options{
		Transport: o.transport,
		Resume:    o.resume,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to create crawler for '%s': %w", siteKey, err)
		siteLog.Errorf("Failed to create crawler: %v", err)
		return result
	}
	o.track(siteKey, c)
	defer o.untrack(siteKey)

	siteLog.Info("Starting mirror")
	if err := c.Run(); err != nil {
		result.Error = err
		siteLog.Errorf("Mirror failed: %v", err)
	} else {
		result.Success = true
		siteLog.Info("Mirror completed")
	}

	result.Stats = c.Stats()
	result.Duration = time.Since(startTime)
	return result
}

func (o *Orchestrator) track(siteKey string, c *crawler.Crawler) {
	o.runningMu.Lock()
	o.running[siteKey] = c
	o.runningMu.Unlock()
}

func (o *Orchestrator) untrack(siteKey string) {
	o.runningMu.Lock()
	delete(o.running, siteKey)
	o.runningMu.Unlock()
}

// Progress returns the live stats of every site currently being mirrored
func (o *Orchestrator) Progress() map[string]crawler.Stats {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	progress := make(map[string]crawler.Stats, len(o.running))
	for key, c := range o.running {
		progress[key] = c.Stats()
	}
	return progress
}

// logSummary logs a summary of all mirror results
func (o *Orchestrator) logSummary(results []SiteResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Mirror completed in %v", totalDuration)
	o.log.Info("Site Results:")

	var totalSaved int64
	successCount := 0
	failCount := 0

	for _, r := range results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}
		totalSaved += r.Stats.Saved

		o.log.Infof("  %s: %s - %d saved, %d failed in %v", r.SiteKey, status, r.Stats.Saved, r.Stats.Failed, r.Duration)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d sites (%d success, %d failed), %d resources saved",
		len(results), successCount, failCount, totalSaved)
	o.log.Info("============================================")
}

// ValidateSiteKeys checks that all provided site keys exist in the config
func ValidateSiteKeys(appCfg *config.AppConfig, siteKeys []string) error {
	for _, key := range siteKeys {
		if _, exists := appCfg.Sites[key]; !exists {
			return fmt.Errorf("site '%s' not found. Available sites: %v", key, GetAllSiteKeys(appCfg))
		}
	}
	return nil
}

// GetAllSiteKeys returns all site keys from the config, sorted
func GetAllSiteKeys(appCfg *config.AppConfig) []string {
	keys := make([]string, 0, len(appCfg.Sites))
	for k := range appCfg.Sites {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
