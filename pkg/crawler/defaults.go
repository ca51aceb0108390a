package crawler

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/fetch"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/policy"
	"github.com/Sriram-PR/site-mirror/pkg/process"
	"github.com/Sriram-PR/site-mirror/pkg/save"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Transport is the request machinery that crawlers of several sites can share:
// the retrying fetcher and the gate holding the global and per-host limits.
type Transport struct {
	Fetcher *fetch.Fetcher
	Gate    *fetch.Gate
}

// NewTransport builds the transport from the application config.
func NewTransport(appCfg *config.AppConfig, log *logrus.Entry) *Transport {
	client := fetch.NewClient(appCfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(client, fetch.RetryPolicyFrom(appCfg), log)
	gate := fetch.NewGate(
		semaphore.NewWeighted(int64(appCfg.MaxRequests)),
		fetch.NewHostLimits(appCfg.MaxRequestsPerHost, log),
		fetch.NewRateLimiter(appCfg.DefaultDelayPerHost, log),
		appCfg.SemaphoreAcquireTimeout,
		log,
	)
	return &Transport{Fetcher: fetcher, Gate: gate}
}

// defaultRegistry assembles the stage chains for a site from its configuration.
func (c *Crawler) defaultRegistry(transport *Transport, disallowed []*regexp.Regexp) (pipeline.Registry, error) {
	userAgent := config.GetEffectiveUserAgent(*c.siteCfg, *c.appCfg)
	delay := config.GetEffectiveDelayPerHost(*c.siteCfg, *c.appCfg)

	httpDownloader := fetch.NewHTTPDownloader(transport.Fetcher, transport.Gate, userAgent, delay)
	httpDownloader.StreamMinBytes = c.appCfg.StreamingMinBytes

	reg := pipeline.Registry{
		LinkRedirect: []pipeline.LinkRedirector{process.SkipUnsupportedLinks},
		DetectType:   []pipeline.TypeDetector{process.NewDetectByExtension(c.siteCfg.StreamingExtensions)},
		BeforeDownload: []pipeline.BeforeDownloader{
			policy.MaxDepth{Limit: c.siteCfg.MaxDepth},
			policy.NewScope(c.siteCfg.AllowedHosts, disallowed),
		},
		Download: []pipeline.Downloader{
			fetch.FileDownloader{},
			fetch.NewStreamingDownloader(httpDownloader),
			httpDownloader,
		},
		AfterDownload: []pipeline.AfterDownloader{
			process.HTMLProcessor,
			process.CSSProcessor,
			process.SVGProcessor,
			process.SitemapProcessor,
		},
	}

	if c.robots != nil {
		reg.BeforeDownload = append(reg.BeforeDownload, policy.RobotsFilter{Robots: c.robots})
	}
	if c.resume {
		reg.BeforeDownload = append(reg.BeforeDownload, policy.ResumeFilter{Store: c.store, StripSearch: c.stripSearch})
	}
	reg.Save = []pipeline.Saver{save.SkipStreamed}
	if config.GetEffectiveExportMarkdown(*c.siteCfg, *c.appCfg) {
		exporter, err := save.NewMarkdownExporter(save.MarkdownOptions{
			TokenEncoding:  c.appCfg.TokenEncoding,
			Chunks:         config.GetEffectiveExportChunks(*c.siteCfg, *c.appCfg),
			ChunkMaxTokens: c.appCfg.ChunkMaxTokens,
			ChunkOverlap:   c.appCfg.ChunkOverlap,
		})
		if err != nil {
			return pipeline.Registry{}, fmt.Errorf("%w: markdown export: %w", utils.ErrConfigValidation, err)
		}
		reg.Save = append(reg.Save, exporter)
	}
	reg.Save = append(reg.Save, save.NewFileWriter(c.appCfg.SaveRetries))
	return reg, nil
}
