package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sitemapRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (s *sitemapRecorder) FoundSitemap(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, u)
}

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func newTestRobots(notifier SitemapDiscoverer) *RobotsHandler {
	f := NewFetcher(testClient(), testPolicy(0), testLogger())
	return NewRobotsHandler(f, newTestGate(4, 4, time.Second), "mirror-bot", 0, notifier, testLogger())
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestRobotsHandler_Allowed(t *testing.T) {
	body := "User-agent: *\nDisallow: /private/\nSitemap: https://example.com/sitemap.xml\n"
	srv, hits := robotsServer(t, http.StatusOK, body)
	rec := &sitemapRecorder{}
	rh := newTestRobots(rec)
	ctx := context.Background()

	assert.True(t, rh.Allowed(ctx, mustURL(t, srv.URL+"/docs/")))
	assert.False(t, rh.Allowed(ctx, mustURL(t, srv.URL+"/private/x.html")))
	assert.Equal(t, int32(1), hits.Load(), "robots.txt is fetched once per host")
	assert.Equal(t, []string{"https://example.com/sitemap.xml"}, rec.urls)
}

func TestRobotsHandler_MissingAllowsEverything(t *testing.T) {
	srv, _ := robotsServer(t, http.StatusNotFound, "")
	rh := newTestRobots(nil)

	assert.Nil(t, rh.Data(context.Background(), mustURL(t, srv.URL+"/")))
	assert.True(t, rh.Allowed(context.Background(), mustURL(t, srv.URL+"/anything")))
}

func TestRobotsHandler_NonHTTPIgnored(t *testing.T) {
	rh := newTestRobots(nil)
	assert.True(t, rh.Allowed(context.Background(), mustURL(t, "file:///tmp/site/index.html")))
}

func TestRobotsHandler_ConcurrentSingleFetch(t *testing.T) {
	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nAllow: /\n")
	rh := newTestRobots(nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rh.Allowed(context.Background(), mustURL(t, srv.URL+"/page"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}
