package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// SiteConfig holds configuration specific to a single mirrored site
type SiteConfig struct {
	StartURLs              []string          `yaml:"start_urls"`
	AllowedHosts           []string          `yaml:"allowed_hosts,omitempty"`            // Empty = hosts of start_urls
	DisallowedPathPatterns []string          `yaml:"disallowed_path_patterns,omitempty"` // Regex patterns for URLs to leave online
	MaxDepth               int               `yaml:"max_depth"`                          // 0 = unlimited
	UserAgent              string            `yaml:"user_agent,omitempty"`
	DelayPerHost           time.Duration     `yaml:"delay_per_host,omitempty"`
	Encoding               map[string]string `yaml:"encoding,omitempty"` // Resource type name -> output encoding
	PreserveQuery          *bool             `yaml:"preserve_query,omitempty"`
	DeduplicateStripSearch *bool             `yaml:"deduplicate_strip_search,omitempty"`
	SkipReplacePathError   *bool             `yaml:"skip_replace_path_error,omitempty"`
	RespectRobots          *bool             `yaml:"respect_robots,omitempty"`
	DiscoverSitemaps       *bool             `yaml:"discover_sitemaps,omitempty"`
	ExportMarkdown         *bool             `yaml:"export_markdown,omitempty"`
	ExportChunks           *bool             `yaml:"export_chunks,omitempty"` // JSONL chunks next to each .md, needs export_markdown
	StreamingExtensions    []string          `yaml:"streaming_extensions,omitempty"`
	SourceDir              string            `yaml:"source_dir,omitempty"` // Root for file:// start URLs
	AllowOutsideSource     bool              `yaml:"allow_outside_source,omitempty"`
	EnableOutputMapping    *bool             `yaml:"enable_output_mapping,omitempty"`
	OutputMappingFilename  string            `yaml:"output_mapping_filename,omitempty"`
	EnableMetadataYAML     *bool             `yaml:"enable_metadata_yaml,omitempty"`
	MetadataYAMLFilename   string            `yaml:"metadata_yaml_filename,omitempty"`
	WriteTree              *bool             `yaml:"write_tree,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent        string                `yaml:"default_user_agent"`
	DefaultDelayPerHost     time.Duration         `yaml:"default_delay_per_host"`
	NumWorkers              int                   `yaml:"num_workers"`               // Post-download worker pool size
	Concurrency             int                   `yaml:"concurrency"`               // Initial concurrent downloads
	MinConcurrency          int                   `yaml:"min_concurrency,omitempty"` // Floor for the concurrency controller
	MaxConcurrency          int                   `yaml:"max_concurrency,omitempty"` // Cap for the concurrency controller, 0 = none
	AdjustConcurrencyPeriod time.Duration         `yaml:"adjust_concurrency_period,omitempty"`
	MaxRequests             int                   `yaml:"max_requests"` // Hard cap on in-flight requests across sites
	MaxRequestsPerHost      int                   `yaml:"max_requests_per_host"`
	MaxParallelSites        int                   `yaml:"max_parallel_sites,omitempty"`
	OutputBaseDir           string                `yaml:"output_base_dir"` // Local root of the mirror
	StateDir                string                `yaml:"state_dir"`       // Empty = in-memory dedup state, no resume
	LogDir                  string                `yaml:"log_dir,omitempty"`
	MaxRetries              int                   `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration         `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration         `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration         `yaml:"semaphore_acquire_timeout,omitempty"`
	GlobalCrawlTimeout      time.Duration         `yaml:"global_crawl_timeout,omitempty"`
	SaveRetries             int                   `yaml:"save_retries,omitempty"`
	StreamingMinBytes       int64                 `yaml:"streaming_min_bytes,omitempty"`
	DBGCInterval            time.Duration         `yaml:"db_gc_interval,omitempty"`
	PreserveQuery           bool                  `yaml:"preserve_query,omitempty"`
	DeduplicateStripSearch  bool                  `yaml:"deduplicate_strip_search,omitempty"`
	SkipReplacePathError    bool                  `yaml:"skip_replace_path_error,omitempty"`
	RespectRobots           *bool                 `yaml:"respect_robots,omitempty"` // Default true
	DiscoverSitemaps        bool                  `yaml:"discover_sitemaps,omitempty"`
	ExportMarkdown          bool                  `yaml:"export_markdown,omitempty"`
	ExportChunks            bool                  `yaml:"export_chunks,omitempty"`
	TokenEncoding           string                `yaml:"token_encoding,omitempty"` // tiktoken encoding for token counts
	ChunkMaxTokens          int                   `yaml:"chunk_max_tokens,omitempty"`
	ChunkOverlap            int                   `yaml:"chunk_overlap,omitempty"`
	Encoding                map[string]string     `yaml:"encoding,omitempty"`
	HTTPClientSettings      HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Sites                   map[string]SiteConfig `yaml:"sites"`
	EnableOutputMapping     bool                  `yaml:"enable_output_mapping,omitempty"`
	OutputMappingFilename   string                `yaml:"output_mapping_filename,omitempty"`
	EnableMetadataYAML      bool                  `yaml:"enable_metadata_yaml,omitempty"`
	MetadataYAMLFilename    string                `yaml:"metadata_yaml_filename,omitempty"`
	WriteTree               bool                  `yaml:"write_tree,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil = Go default
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// Load reads and parses a YAML config file. It does not validate.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func boolOr(site *bool, global bool) bool {
	if site != nil {
		return *site
	}
	return global
}

func GetEffectivePreserveQuery(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.PreserveQuery, appCfg.PreserveQuery)
}

func GetEffectiveDeduplicateStripSearch(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.DeduplicateStripSearch, appCfg.DeduplicateStripSearch)
}

func GetEffectiveSkipReplacePathError(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.SkipReplacePathError, appCfg.SkipReplacePathError)
}

// GetEffectiveRespectRobots defaults to true when neither level sets it.
func GetEffectiveRespectRobots(siteCfg SiteConfig, appCfg AppConfig) bool {
	if siteCfg.RespectRobots != nil {
		return *siteCfg.RespectRobots
	}
	if appCfg.RespectRobots != nil {
		return *appCfg.RespectRobots
	}
	return true
}

func GetEffectiveDiscoverSitemaps(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.DiscoverSitemaps, appCfg.DiscoverSitemaps)
}

func GetEffectiveExportMarkdown(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.ExportMarkdown, appCfg.ExportMarkdown)
}

func GetEffectiveExportChunks(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.ExportChunks, appCfg.ExportChunks)
}

func GetEffectiveWriteTree(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.WriteTree, appCfg.WriteTree)
}

func GetEffectiveUserAgent(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.UserAgent != "" {
		return siteCfg.UserAgent
	}
	return appCfg.DefaultUserAgent
}

func GetEffectiveDelayPerHost(siteCfg SiteConfig, appCfg AppConfig) time.Duration {
	if siteCfg.DelayPerHost > 0 {
		return siteCfg.DelayPerHost
	}
	return appCfg.DefaultDelayPerHost
}

// GetEffectiveEncoding merges global and site encodings; site entries win.
// Unknown type names are ignored here and reported by Validate.
func GetEffectiveEncoding(siteCfg SiteConfig, appCfg AppConfig) map[resource.Type]string {
	out := make(map[resource.Type]string)
	for _, m := range []map[string]string{appCfg.Encoding, siteCfg.Encoding} {
		for name, enc := range m {
			if t, err := resource.ParseType(name); err == nil {
				out[t] = enc
			}
		}
	}
	return out
}

// GetEffectiveEnableOutputMapping determines the effective setting for enabling the mapping file
func GetEffectiveEnableOutputMapping(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.EnableOutputMapping, appCfg.EnableOutputMapping)
}

// GetEffectiveOutputMappingFilename determines the effective filename for the mapping file
func GetEffectiveOutputMappingFilename(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.OutputMappingFilename != "" {
		return siteCfg.OutputMappingFilename
	}
	if appCfg.OutputMappingFilename != "" {
		return appCfg.OutputMappingFilename
	}
	return "url_to_file_map.tsv"
}

// GetEffectiveEnableMetadataYAML determines if YAML metadata should be generated.
func GetEffectiveEnableMetadataYAML(siteCfg SiteConfig, appCfg AppConfig) bool {
	return boolOr(siteCfg.EnableMetadataYAML, appCfg.EnableMetadataYAML)
}

// GetEffectiveMetadataYAMLFilename determines the filename for the YAML metadata.
func GetEffectiveMetadataYAMLFilename(siteCfg SiteConfig, appCfg AppConfig) string {
	if siteCfg.MetadataYAMLFilename != "" {
		return siteCfg.MetadataYAMLFilename
	}
	if appCfg.MetadataYAMLFilename != "" {
		return appCfg.MetadataYAMLFilename
	}
	return "metadata.yaml"
}

// ResourceOptions builds the options resources of this site are created with.
func ResourceOptions(siteCfg SiteConfig, appCfg AppConfig) resource.Options {
	return resource.Options{
		LocalRoot:            appCfg.OutputBaseDir,
		Encoding:             GetEffectiveEncoding(siteCfg, appCfg),
		PreserveQuery:        GetEffectivePreserveQuery(siteCfg, appCfg),
		SkipReplacePathError: GetEffectiveSkipReplacePathError(siteCfg, appCfg),
		SourceDir:            siteCfg.SourceDir,
		AllowOutsideSource:   siteCfg.AllowOutsideSource,
	}
}
