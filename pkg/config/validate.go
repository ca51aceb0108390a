package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	if c.Concurrency <= 0 {
		warnings = append(warnings, "concurrency should be > 0, defaulting to 8")
		c.Concurrency = 8
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MinConcurrency > c.Concurrency {
		warnings = append(warnings, fmt.Sprintf("min_concurrency (%d) > concurrency (%d), raising concurrency", c.MinConcurrency, c.Concurrency))
		c.Concurrency = c.MinConcurrency
	}
	if c.MaxConcurrency < 0 {
		warnings = append(warnings, "max_concurrency cannot be negative, disabling cap")
		c.MaxConcurrency = 0
	}
	if c.MaxConcurrency > 0 && c.MaxConcurrency < c.Concurrency {
		warnings = append(warnings, fmt.Sprintf("max_concurrency (%d) < concurrency (%d), lowering concurrency", c.MaxConcurrency, c.Concurrency))
		c.Concurrency = c.MaxConcurrency
	}
	if c.AdjustConcurrencyPeriod < 0 {
		warnings = append(warnings, "adjust_concurrency_period cannot be negative, disabling controller")
		c.AdjustConcurrencyPeriod = 0
	}

	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 64")
		c.MaxRequests = 64
	}
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 4")
		c.MaxRequestsPerHost = 4
	}
	if c.MaxParallelSites <= 0 {
		c.MaxParallelSites = 2
	}

	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to './mirror'")
		c.OutputBaseDir = "./mirror"
	}

	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}
	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}
	if c.SaveRetries <= 0 {
		c.SaveRetries = 3
	}
	if c.StreamingMinBytes < 0 {
		warnings = append(warnings, "streaming_min_bytes cannot be negative, setting to 0")
		c.StreamingMinBytes = 0
	}
	if c.DBGCInterval <= 0 {
		c.DBGCInterval = 10 * time.Minute
	}

	if c.ChunkMaxTokens <= 0 {
		c.ChunkMaxTokens = 512
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMaxTokens {
		warnings = append(warnings, fmt.Sprintf("chunk_overlap must be in [0, chunk_max_tokens), defaulting to %d", min(50, c.ChunkMaxTokens/2)))
		c.ChunkOverlap = min(50, c.ChunkMaxTokens/2)
	}

	warnings = append(warnings, validateEncodings("", c.Encoding)...)
	c.validateHTTPClientSettings()

	if c.EnableOutputMapping && c.OutputMappingFilename == "" {
		c.OutputMappingFilename = "url_to_file_map.tsv"
	}
	if c.EnableMetadataYAML && c.MetadataYAMLFilename == "" {
		c.MetadataYAMLFilename = "metadata.yaml"
	}

	return warnings, nil // AppConfig validation never fails fatally
}

// validateEncodings reports unknown type names and unsupported encodings and removes them.
func validateEncodings(prefix string, m map[string]string) (warnings []string) {
	for name, enc := range m {
		if _, err := resource.ParseType(name); err != nil {
			warnings = append(warnings, fmt.Sprintf("%sencoding: unknown resource type '%s', ignoring", prefix, name))
			delete(m, name)
			continue
		}
		if strings.EqualFold(enc, resource.EncodingBinary) {
			continue
		}
		if _, err := htmlindex.Get(enc); err != nil {
			warnings = append(warnings, fmt.Sprintf("%sencoding: unsupported encoding '%s' for %s, using default", prefix, enc, name))
			delete(m, name)
		}
	}
	return warnings
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 4
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate checks SiteConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
func (c *SiteConfig) Validate() (warnings []string, err error) {
	if len(c.StartURLs) == 0 {
		return nil, fmt.Errorf("%w: site has no start_urls", utils.ErrConfigValidation)
	}

	hasFileSeed := false
	for _, raw := range c.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("%w: start url '%s' is not absolute", utils.ErrConfigValidation, raw)
		}
		switch u.Scheme {
		case "http", "https":
			if u.Host == "" {
				return nil, fmt.Errorf("%w: start url '%s' has no host", utils.ErrConfigValidation, raw)
			}
		case "file":
			hasFileSeed = true
		default:
			return nil, fmt.Errorf("%w: start url '%s' has unsupported scheme", utils.ErrConfigValidation, raw)
		}
	}
	if hasFileSeed && c.SourceDir == "" {
		warnings = append(warnings, "file:// start urls without source_dir are mirrored by absolute path")
	}

	if len(c.AllowedHosts) == 0 {
		for _, raw := range c.StartURLs {
			if u, _ := url.Parse(raw); u.Host != "" {
				c.AllowedHosts = append(c.AllowedHosts, strings.ToLower(u.Host))
			}
		}
	}
	for i, h := range c.AllowedHosts {
		c.AllowedHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}

	if _, err := utils.CompileRegexPatterns(c.DisallowedPathPatterns); err != nil {
		return nil, err
	}

	if c.MaxDepth < 0 {
		warnings = append(warnings, "Site max_depth cannot be negative, setting to 0 (unlimited)")
		c.MaxDepth = 0
	}

	warnings = append(warnings, validateEncodings("Site ", c.Encoding)...)
	return warnings, nil
}
