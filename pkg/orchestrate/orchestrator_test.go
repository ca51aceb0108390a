package orchestrate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/config"
)

func testAppConfig(siteKeys ...string) *config.AppConfig {
	sites := make(map[string]config.SiteConfig, len(siteKeys))
	for _, key := range siteKeys {
		sites[key] = config.SiteConfig{
			StartURLs: []string{"https://" + key + ".example.com/"},
			MaxDepth:  2,
		}
	}
	return &config.AppConfig{
		Sites: sites,
	}
}

func TestValidateSiteKeys(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		cfg := testAppConfig("docs", "blog")
		err := ValidateSiteKeys(cfg, []string{"docs", "blog"})
		assert.NoError(t, err)
	})

	t.Run("one invalid", func(t *testing.T) {
		cfg := testAppConfig("docs", "blog")
		err := ValidateSiteKeys(cfg, []string{"docs", "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
		assert.Contains(t, err.Error(), "[blog docs]")
	})

	t.Run("empty keys no error", func(t *testing.T) {
		cfg := testAppConfig("docs")
		err := ValidateSiteKeys(cfg, []string{})
		assert.NoError(t, err)
	})

	t.Run("empty config", func(t *testing.T) {
		cfg := testAppConfig()
		err := ValidateSiteKeys(cfg, []string{"anything"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "anything")
	})
}

func TestGetAllSiteKeys(t *testing.T) {
	t.Run("multiple sites sorted", func(t *testing.T) {
		cfg := testAppConfig("gamma", "alpha", "beta")
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, GetAllSiteKeys(cfg))
	})

	t.Run("no sites", func(t *testing.T) {
		cfg := testAppConfig()
		assert.Empty(t, GetAllSiteKeys(cfg))
	})
}

func newSite(t *testing.T, title string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			io.WriteString(w, `<html><head><title>`+title+`</title></head><body><a href="/next.html">next</a></body></html>`)
		case "/next.html":
			io.WriteString(w, `<html><body>`+title+` next</body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOrchestrator_RunMirrorsEverySite(t *testing.T) {
	first := newSite(t, "first")
	second := newSite(t, "second")

	noRobots := false
	appCfg := &config.AppConfig{
		NumWorkers:        1,
		Concurrency:       2,
		MaxParallelSites:  1,
		OutputBaseDir:     t.TempDir(),
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		RespectRobots:     &noRobots,
		Sites: map[string]config.SiteConfig{
			"first":  {StartURLs: []string{first.URL + "/"}},
			"second": {StartURLs: []string{second.URL + "/"}},
			"broken": {},
		},
	}
	_, err := appCfg.Validate()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	o := NewOrchestrator(appCfg, []string{"second", "broken", "first"}, false, logrus.NewEntry(logger))

	results := o.Run(context.Background())
	require.Len(t, results, 3)

	assert.Equal(t, "broken", results[0].SiteKey)
	assert.False(t, results[0].Success)
	assert.ErrorContains(t, results[0].Error, "start_urls")

	for _, r := range results[1:] {
		assert.True(t, r.Success, r.SiteKey)
		assert.NoError(t, r.Error, r.SiteKey)
		assert.EqualValues(t, 2, r.Stats.Saved, r.SiteKey)
	}
	assert.Empty(t, o.Progress())
}
