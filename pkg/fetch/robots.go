package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// SitemapDiscoverer is notified about Sitemap directives found in robots.txt
type SitemapDiscoverer interface {
	FoundSitemap(sitemapURL string)
}

// robotsEntry is a cache slot filled once per host.
type robotsEntry struct {
	once sync.Once
	data *robotstxt.RobotsData // nil when unavailable
}

// RobotsHandler fetches, parses, caches and checks robots.txt per host
type RobotsHandler struct {
	fetcher         *Fetcher
	gate            *Gate
	userAgent       string
	delay           time.Duration
	cache           map[string]*robotsEntry
	cacheMu         sync.Mutex
	sitemapNotifier SitemapDiscoverer
	log             *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler. sitemapNotifier may be nil.
func NewRobotsHandler(fetcher *Fetcher, gate *Gate, userAgent string, delay time.Duration, sitemapNotifier SitemapDiscoverer, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:         fetcher,
		gate:            gate,
		userAgent:       userAgent,
		delay:           delay,
		cache:           make(map[string]*robotsEntry),
		sitemapNotifier: sitemapNotifier,
		log:             log,
	}
}

// Data returns the parsed robots.txt for target's host, fetching it on first use.
// Returns nil when robots.txt is missing, unreachable or unparseable.
func (rh *RobotsHandler) Data(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil
	}
	key := target.Scheme + "://" + target.Host

	rh.cacheMu.Lock()
	entry, ok := rh.cache[key]
	if !ok {
		entry = &robotsEntry{}
		rh.cache[key] = entry
	}
	rh.cacheMu.Unlock()

	entry.once.Do(func() {
		entry.data = rh.fetch(ctx, target)
	})
	return entry.data
}

func (rh *RobotsHandler) fetch(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	robotsURL := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	robotsLog := rh.log.WithField("robots_url", robotsURL.String())
	robotsLog.Debug("Fetching robots.txt...")

	release, err := rh.gate.Enter(ctx, target.Host, rh.delay)
	if err != nil {
		robotsLog.Warnf("Could not acquire request slot for robots.txt: %v", err)
		return nil
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rh.userAgent)

	resp, err := rh.fetcher.Fetch(ctx, req)
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		robotsLog.Infof("No usable robots.txt: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		return nil
	}

	robotsLog.Info("Fetched and parsed robots.txt")
	if rh.sitemapNotifier != nil {
		for _, sitemapURL := range data.Sitemaps {
			rh.sitemapNotifier.FoundSitemap(sitemapURL)
		}
	}
	return data
}

// Allowed reports whether the handler's user agent may fetch target.
// Anything without robots data is allowed.
func (rh *RobotsHandler) Allowed(ctx context.Context, target *url.URL) bool {
	data := rh.Data(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), rh.userAgent)
}
