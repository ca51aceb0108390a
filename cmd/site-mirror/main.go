package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/crawler"
	"github.com/Sriram-PR/site-mirror/pkg/orchestrate"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
	"github.com/Sriram-PR/site-mirror/pkg/watch"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "mirror":
		runMirror(os.Args[2:], false)
	case "resume":
		runMirror(os.Args[2:], true)
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-sites":
		runListSites(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("site-mirror %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `site-mirror - Recursive website mirror

Usage:
  site-mirror <command> [options]

Commands:
  mirror      Start a fresh mirror
  resume      Resume an interrupted mirror
  watch       Refresh mirrors on a schedule
  validate    Validate configuration file
  list-sites  List available site keys
  mcp-server  Serve mirror jobs over MCP
  version     Show version info

Run 'site-mirror <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	return config.Load(path)
}

// mirrorFlags are the options shared by mirror and resume
type mirrorFlags struct {
	configFile string
	siteKey    string
	sites      string
	allSites   bool
	startURL   string
	outputDir  string
	maxDepth   int
	logLevel   string
	pprofAddr  string
}

// siteKeys returns the selected site keys, nil for all sites.
func (f mirrorFlags) siteKeys() ([]string, error) {
	switch {
	case f.allSites:
		return nil, nil
	case f.sites != "":
		var keys []string
		for _, s := range strings.Split(f.sites, ",") {
			if s = strings.TrimSpace(s); s != "" {
				keys = append(keys, s)
			}
		}
		if len(keys) == 0 {
			return nil, errors.New("-sites lists no site key")
		}
		return keys, nil
	case f.siteKey != "":
		return []string{f.siteKey}, nil
	case f.startURL != "":
		return nil, nil
	}
	return nil, errors.New("one of -site, -sites, --all-sites or -url is required")
}

// runMirror handles both mirror and resume subcommands
func runMirror(args []string, isResume bool) {
	cmdName := "mirror"
	if isResume {
		cmdName = "resume"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	var f mirrorFlags
	fs.StringVar(&f.configFile, "config", "config.yaml", "Path to config file")
	fs.StringVar(&f.siteKey, "site", "", "Site key from config (single site)")
	fs.StringVar(&f.sites, "sites", "", "Comma-separated site keys to mirror in parallel")
	fs.BoolVar(&f.allSites, "all-sites", false, "Mirror all configured sites")
	fs.StringVar(&f.startURL, "url", "", "Mirror a single start URL without a site entry in the config")
	fs.StringVar(&f.outputDir, "output", "", "Override output_base_dir")
	fs.IntVar(&f.maxDepth, "depth", -1, "Override max_depth of the selected sites (0 = unlimited)")
	fs.StringVar(&f.logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	fs.StringVar(&f.pprofAddr, "pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-mirror %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  site-mirror %s -site go_blog\n", cmdName)
		fmt.Fprintf(os.Stderr, "  site-mirror %s -sites go_blog,go_dev\n", cmdName)
		fmt.Fprintf(os.Stderr, "  site-mirror %s --all-sites\n", cmdName)
		fmt.Fprintf(os.Stderr, "  site-mirror %s -url https://example.com/ -depth 2 -output ./out\n", cmdName)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if _, err := f.siteKeys(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(executeMirror(f, isResume))
}

// executeMirror contains the main mirror logic and returns the exit code
func executeMirror(f mirrorFlags, isResume bool) int {
	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)

	log := setupLogger(f.logLevel)

	appCfg, siteKeys, err := prepareConfig(f)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	logAppConfig(appCfg, log)
	startPprof(f.pprofAddr, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, log)
	defer stopSignals()

	if len(siteKeys) > 1 {
		return executeParallelMirror(ctx, appCfg, siteKeys, isResume, log)
	}
	return executeSiteMirror(ctx, appCfg, siteKeys[0], isResume, log)
}

// prepareConfig loads the config, applies CLI overrides and validates the selected sites.
func prepareConfig(f mirrorFlags) (*config.AppConfig, []string, error) {
	appCfg, err := loadConfig(f.configFile)
	if err != nil {
		if f.startURL == "" || !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		appCfg = &config.AppConfig{}
	}
	if f.outputDir != "" {
		appCfg.OutputBaseDir = f.outputDir
	}
	if _, err := appCfg.Validate(); err != nil {
		return nil, nil, err
	}

	siteKeys, err := f.siteKeys()
	if err != nil {
		return nil, nil, err
	}
	if f.startURL != "" {
		key, err := addURLSite(appCfg, f.startURL)
		if err != nil {
			return nil, nil, err
		}
		siteKeys = append(siteKeys, key)
	} else if siteKeys == nil {
		siteKeys = orchestrate.GetAllSiteKeys(appCfg)
	}
	if len(siteKeys) == 0 {
		return nil, nil, fmt.Errorf("%w: no sites configured", utils.ErrConfigValidation)
	}
	if err := orchestrate.ValidateSiteKeys(appCfg, siteKeys); err != nil {
		return nil, nil, err
	}

	for _, key := range siteKeys {
		siteCfg := appCfg.Sites[key]
		if f.maxDepth >= 0 {
			siteCfg.MaxDepth = f.maxDepth
		}
		if _, err := siteCfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("site '%s': %w", key, err)
		}
		appCfg.Sites[key] = siteCfg
	}
	return appCfg, siteKeys, nil
}

// addURLSite registers an ad hoc site for a start URL and returns its key.
func addURLSite(appCfg *config.AppConfig, startURL string) (string, error) {
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: -url '%s' is not an absolute http(s) url", utils.ErrConfigValidation, startURL)
	}
	key := utils.SanitizeFilename(u.Host)
	if appCfg.Sites == nil {
		appCfg.Sites = make(map[string]config.SiteConfig)
	}
	site := appCfg.Sites[key]
	site.StartURLs = []string{startURL}
	appCfg.Sites[key] = site
	return key, nil
}

// handleSignals cancels the mirror on the first signal and exits on the second.
func handleSignals(cancel context.CancelFunc, log *logrus.Logger) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// executeSiteMirror mirrors one site and maps its outcome to an exit code
func executeSiteMirror(ctx context.Context, appCfg *config.AppConfig, siteKey string, isResume bool, log *logrus.Logger) int {
	siteCfg := appCfg.Sites[siteKey]
	log.Infof("Site Config for '%s': Start URLs: %v, Hosts: %v, MaxDepth: %d",
		siteKey, siteCfg.StartURLs, siteCfg.AllowedHosts, siteCfg.MaxDepth)

	logEntry := log.WithField("component", "mirror")
	c, err := crawler.NewCrawler(ctx, appCfg, &siteCfg, siteKey, logEntry, crawler.Options{Resume: isResume})
	if err != nil {
		log.Errorf("Failed to initialize crawler: %v", err)
		return 1
	}

	err = c.Run()
	switch {
	case err == nil:
		log.Infof("Mirror completed successfully into %s", c.LocalRoot())
		return 0
	case errors.Is(err, context.Canceled):
		log.Warn("Mirror cancelled gracefully. Run 'site-mirror resume' to continue.")
		return 0
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("Mirror timed out (global timeout).")
		return 1
	default:
		log.Errorf("Mirror finished with error: %v", err)
		return 1
	}
}

// executeParallelMirror mirrors several sites through the orchestrator
func executeParallelMirror(ctx context.Context, appCfg *config.AppConfig, siteKeys []string, isResume bool, log *logrus.Logger) int {
	logEntry := log.WithField("component", "parallel_mirror")
	orch := orchestrate.NewOrchestrator(appCfg, siteKeys, isResume, logEntry)

	for _, r := range orch.Run(ctx) {
		if !r.Success && !errors.Is(r.Error, context.Canceled) {
			return 1
		}
	}
	return 0
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var f mirrorFlags
	fs.StringVar(&f.configFile, "config", "config.yaml", "Path to config file")
	fs.StringVar(&f.siteKey, "site", "", "Site key from config (single site)")
	fs.StringVar(&f.sites, "sites", "", "Comma-separated site keys")
	fs.BoolVar(&f.allSites, "all-sites", false, "Watch all configured sites")
	fs.StringVar(&f.outputDir, "output", "", "Override output_base_dir")
	fs.IntVar(&f.maxDepth, "depth", -1, "Override max_depth of the selected sites (0 = unlimited)")
	fs.StringVar(&f.logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	interval := fs.String("interval", "24h", "Refresh interval (e.g., 30m, 1h, 24h, 7d)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-mirror watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  site-mirror watch -site go_blog -interval 24h\n")
		fmt.Fprintf(os.Stderr, "  site-mirror watch --all-sites -interval 7d\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if _, err := f.siteKeys(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}
	every, err := watch.ParseInterval(*interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(executeWatch(f, every))
}

// executeWatch refreshes the selected sites every interval until interrupted
func executeWatch(f mirrorFlags, interval time.Duration) int {
	log := setupLogger(f.logLevel)

	appCfg, siteKeys, err := prepareConfig(f)
	if err != nil {
		log.Errorf("Config error: %v", err)
		return 1
	}
	logAppConfig(appCfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := handleSignals(cancel, log)
	defer stopSignals()

	logEntry := log.WithField("component", "watch")
	run := func(ctx context.Context, keys []string) []orchestrate.SiteResult {
		return orchestrate.NewOrchestrator(appCfg, keys, false, logEntry).Run(ctx)
	}
	scheduler := watch.NewScheduler(siteKeys, interval, run, watch.NewStateManager(appCfg.StateDir), logEntry)
	if err := scheduler.Run(ctx); err != nil {
		log.Errorf("Watch scheduler error: %v", err)
		return 1
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-mirror validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, *siteKey, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, siteKey string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, _ := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}

	keys := orchestrate.GetAllSiteKeys(appCfg)
	if siteKey != "" {
		if _, ok := appCfg.Sites[siteKey]; !ok {
			fmt.Fprintf(stderr, "Error: site '%s' not found in config\n", siteKey)
			return 1
		}
		keys = []string{siteKey}
	}

	hasError := false
	for _, key := range keys {
		siteCfg := appCfg.Sites[key]
		siteWarnings, err := siteCfg.Validate()
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		for _, w := range siteWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListSites handles the list-sites subcommand
func runListSites(args []string) {
	fs := flag.NewFlagSet("list-sites", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-mirror list-sites [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListSites(*configFile, os.Stdout, os.Stderr))
}

// doListSites lists sites and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListSites(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Sites in %s:\n\n", configPath)
	for _, key := range orchestrate.GetAllSiteKeys(appCfg) {
		site := appCfg.Sites[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		fmt.Fprintf(stdout, "    Start URLs: %s\n", strings.Join(site.StartURLs, ", "))
		if len(site.AllowedHosts) > 0 {
			fmt.Fprintf(stdout, "    Hosts: %s\n", strings.Join(site.AllowedHosts, ", "))
		}
		if site.MaxDepth > 0 {
			fmt.Fprintf(stdout, "    Max Depth: %d\n", site.MaxDepth)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Debugf("Setting log level to: %s", level.String())
	}

	return log
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: Workers:%d, Concurrency:%d (min %d, max %d), MaxReqs:%d, MaxReqPerHost:%d",
		appCfg.NumWorkers, appCfg.Concurrency, appCfg.MinConcurrency, appCfg.MaxConcurrency, appCfg.MaxRequests, appCfg.MaxRequestsPerHost)
	log.Infof("Global Config: DefaultDelay:%v, StateDir:%s, OutputDir:%s, LogDir:%s",
		appCfg.DefaultDelayPerHost, appCfg.StateDir, appCfg.OutputBaseDir, appCfg.LogDir)
	log.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v, Save:%d",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay, appCfg.SaveRetries)
	log.Infof("Global Config Timeouts: SemaphoreAcquire:%v, GlobalCrawl:%v",
		appCfg.SemaphoreAcquireTimeout, appCfg.GlobalCrawlTimeout)
	log.Infof("Global Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
	log.Infof("Global Config Output: Mapping:%t ('%s'), Metadata:%t ('%s'), Markdown:%t",
		appCfg.EnableOutputMapping, appCfg.OutputMappingFilename, appCfg.EnableMetadataYAML, appCfg.MetadataYAMLFilename, appCfg.ExportMarkdown)
}
