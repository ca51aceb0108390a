package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestGetEffectiveBoolOverrides(t *testing.T) {
	tests := []struct {
		name     string
		siteCfg  SiteConfig
		appCfg   AppConfig
		get      func(SiteConfig, AppConfig) bool
		expected bool
	}{
		{
			name:     "site preserve_query overrides global",
			siteCfg:  SiteConfig{PreserveQuery: boolPtr(true)},
			appCfg:   AppConfig{PreserveQuery: false},
			get:      GetEffectivePreserveQuery,
			expected: true,
		},
		{
			name:     "site nil uses global strip search",
			appCfg:   AppConfig{DeduplicateStripSearch: true},
			get:      GetEffectiveDeduplicateStripSearch,
			expected: true,
		},
		{
			name:     "site disables markdown export",
			siteCfg:  SiteConfig{ExportMarkdown: boolPtr(false)},
			appCfg:   AppConfig{ExportMarkdown: true},
			get:      GetEffectiveExportMarkdown,
			expected: false,
		},
		{
			name:     "robots respected when unset everywhere",
			get:      GetEffectiveRespectRobots,
			expected: true,
		},
		{
			name:     "global robots off",
			appCfg:   AppConfig{RespectRobots: boolPtr(false)},
			get:      GetEffectiveRespectRobots,
			expected: false,
		},
		{
			name:     "site robots on beats global off",
			siteCfg:  SiteConfig{RespectRobots: boolPtr(true)},
			appCfg:   AppConfig{RespectRobots: boolPtr(false)},
			get:      GetEffectiveRespectRobots,
			expected: true,
		},
		{
			name:     "skip replace path error from global",
			appCfg:   AppConfig{SkipReplacePathError: true},
			get:      GetEffectiveSkipReplacePathError,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.get(tt.siteCfg, tt.appCfg))
		})
	}
}

func TestGetEffectiveOutputMappingFilename(t *testing.T) {
	assert.Equal(t, "site.tsv", GetEffectiveOutputMappingFilename(SiteConfig{OutputMappingFilename: "site.tsv"}, AppConfig{OutputMappingFilename: "global.tsv"}))
	assert.Equal(t, "global.tsv", GetEffectiveOutputMappingFilename(SiteConfig{}, AppConfig{OutputMappingFilename: "global.tsv"}))
	assert.Equal(t, "url_to_file_map.tsv", GetEffectiveOutputMappingFilename(SiteConfig{}, AppConfig{}))
	assert.Equal(t, "metadata.yaml", GetEffectiveMetadataYAMLFilename(SiteConfig{}, AppConfig{}))
}

func TestGetEffectiveUserAgentAndDelay(t *testing.T) {
	app := AppConfig{DefaultUserAgent: "mirror/1.0", DefaultDelayPerHost: time.Second}
	assert.Equal(t, "mirror/1.0", GetEffectiveUserAgent(SiteConfig{}, app))
	assert.Equal(t, "custom", GetEffectiveUserAgent(SiteConfig{UserAgent: "custom"}, app))
	assert.Equal(t, time.Second, GetEffectiveDelayPerHost(SiteConfig{}, app))
	assert.Equal(t, 2*time.Second, GetEffectiveDelayPerHost(SiteConfig{DelayPerHost: 2 * time.Second}, app))
}

func TestGetEffectiveEncoding(t *testing.T) {
	app := AppConfig{Encoding: map[string]string{"html": "utf-8", "css": "utf-8"}}
	site := SiteConfig{Encoding: map[string]string{"html": "gbk", "bogus": "utf-8"}}

	enc := GetEffectiveEncoding(site, app)
	assert.Equal(t, "gbk", enc[resource.Html])
	assert.Equal(t, "utf-8", enc[resource.Css])
	assert.Len(t, enc, 2)
}

func TestResourceOptions(t *testing.T) {
	app := AppConfig{OutputBaseDir: "/out", PreserveQuery: true}
	site := SiteConfig{SourceDir: "/src", AllowOutsideSource: true}

	opts := ResourceOptions(site, app)
	assert.Equal(t, "/out", opts.LocalRoot)
	assert.True(t, opts.PreserveQuery)
	assert.Equal(t, "/src", opts.SourceDir)
	assert.True(t, opts.AllowOutsideSource)
	assert.False(t, opts.SkipReplacePathError)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
default_user_agent: "mirror-test"
default_delay_per_host: 250ms
concurrency: 6
output_base_dir: ./out
encoding:
  html: gbk
sites:
  docs:
    start_urls: ["https://example.com/docs/"]
    max_depth: 3
    preserve_query: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mirror-test", cfg.DefaultUserAgent)
	assert.Equal(t, 250*time.Millisecond, cfg.DefaultDelayPerHost)
	assert.Equal(t, 6, cfg.Concurrency)
	assert.Equal(t, "gbk", cfg.Encoding["html"])

	site, ok := cfg.Sites["docs"]
	require.True(t, ok)
	assert.Equal(t, 3, site.MaxDepth)
	require.NotNil(t, site.PreserveQuery)
	assert.True(t, *site.PreserveQuery)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sites: [unclosed"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}
