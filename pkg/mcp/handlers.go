package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/crawler"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// progressPollInterval is how often a running job copies crawler stats
const progressPollInterval = 2 * time.Second

func (s *Server) handleListSites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	appCfg := s.cfg.AppConfig
	keys := make([]string, 0, len(appCfg.Sites))
	for k := range appCfg.Sites {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	sites := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		siteCfg := appCfg.Sites[key]
		localRoot := s.localRoot(key)
		info := map[string]any{
			"key":           key,
			"start_urls":    siteCfg.StartURLs,
			"allowed_hosts": siteCfg.AllowedHosts,
			"max_depth":     siteCfg.MaxDepth,
			"local_root":    localRoot,
		}
		if last := lastMirrored(localRoot, siteCfg, *appCfg); !last.IsZero() {
			info["last_mirrored"] = last.Format(time.RFC3339)
		}
		if job, ok := s.jobManager.ActiveJob(key); ok {
			info["status"] = string(job.Status)
			info["job_id"] = job.ID
		}
		sites = append(sites, info)
	}

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"sites":       sites,
		"total_sites": len(sites),
	})), nil
}

func (s *Server) handleMirrorSite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	siteKey := request.GetString("site_key", "")
	if siteKey == "" {
		return mcp.NewToolResultError("site_key parameter is required"), nil
	}
	resume := request.GetBool("resume", false)

	siteCfg, ok := s.cfg.AppConfig.Sites[siteKey]
	if !ok {
		keys := make([]string, 0, len(s.cfg.AppConfig.Sites))
		for k := range s.cfg.AppConfig.Sites {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return mcp.NewToolResultError(fmt.Sprintf("site '%s' not found. Available sites: %v", siteKey, keys)), nil
	}
	if _, err := siteCfg.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid site configuration: %v", err)), nil
	}

	job, created := s.jobManager.CreateJob(siteKey, resume)
	if !created {
		return mcp.NewToolResultText(formatJSON(map[string]any{
			"status":  "already_running",
			"job_id":  job.ID,
			"message": fmt.Sprintf("A mirror of '%s' is already in progress", siteKey),
		})), nil
	}

	s.jobsWG.Add(1)
	go func() {
		defer s.jobsWG.Done()
		s.runMirrorJob(job.ID, siteKey, siteCfg, resume)
	}()

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"status":  "started",
		"job_id":  job.ID,
		"message": fmt.Sprintf("Mirror of '%s' started. Use get_job_status to check progress.", siteKey),
	})), nil
}

func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	job, ok := s.jobManager.GetJob(jobID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := jobInfo(job)
	result["local_root"] = s.localRoot(job.SiteKey)
	return mcp.NewToolResultText(formatJSON(result)), nil
}

func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if _, ok := s.jobManager.GetJob(jobID); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	if !s.jobManager.CancelJob(jobID) {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' is not running", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"status": "cancelled",
		"job_id": jobID,
	})), nil
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	infos := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, jobInfo(job))
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"jobs":       infos,
		"total_jobs": len(infos),
	})), nil
}

// runMirrorJob mirrors one site under the job's context and records the outcome
func (s *Server) runMirrorJob(jobID, siteKey string, siteCfg config.SiteConfig, resume bool) {
	if !s.jobManager.MarkRunning(jobID) {
		return
	}
	jobLog := s.log.WithFields(logrus.Fields{"job_id": jobID, "site_key": siteKey})
	jobCtx := s.jobManager.Context(jobID)

	c, err := crawler.NewCrawler(jobCtx, s.cfg.AppConfig, &siteCfg, siteKey, jobLog, crawler.Options{
		Transport: s.transport,
		Resume:    resume,
	})
	if err != nil {
		jobLog.Errorf("Failed to create crawler: %v", err)
		s.jobManager.Finish(jobID, fmt.Errorf("failed to create crawler: %w", err))
		return
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.jobManager.UpdateProgress(jobID, c.Stats())
			}
		}
	}()

	err = c.Run()
	close(done)
	s.jobManager.UpdateProgress(jobID, c.Stats())
	if errors.Is(err, context.Canceled) {
		jobLog.Info("Mirror job cancelled")
		return
	}
	if err != nil {
		jobLog.Errorf("Mirror job failed: %v", err)
	} else {
		jobLog.Info("Mirror job completed")
	}
	s.jobManager.Finish(jobID, err)
}

func (s *Server) localRoot(siteKey string) string {
	return filepath.Join(s.cfg.AppConfig.OutputBaseDir, utils.SanitizeFilename(siteKey))
}

// lastMirrored reads the end time of the last run from the site's metadata file
func lastMirrored(localRoot string, siteCfg config.SiteConfig, appCfg config.AppConfig) time.Time {
	if !config.GetEffectiveEnableMetadataYAML(siteCfg, appCfg) {
		return time.Time{}
	}
	data, err := os.ReadFile(filepath.Join(localRoot, config.GetEffectiveMetadataYAMLFilename(siteCfg, appCfg)))
	if err != nil {
		return time.Time{}
	}
	var meta struct {
		EndTime time.Time `yaml:"end_time"`
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return time.Time{}
	}
	return meta.EndTime
}

func jobInfo(job Job) map[string]any {
	info := map[string]any{
		"job_id":      job.ID,
		"site_key":    job.SiteKey,
		"status":      string(job.Status),
		"resume":      job.Resume,
		"started_at":  job.StartedAt.Format(time.RFC3339),
		"queued":      job.Queued,
		"downloaded":  job.Downloaded,
		"saved":       job.Saved,
		"failed":      job.Failed,
		"pending":     job.Pending,
		"concurrency": job.Concurrency,
	}
	if !job.CompletedAt.IsZero() {
		info["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		info["duration"] = job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond).String()
	} else {
		info["elapsed"] = time.Since(job.StartedAt).Round(time.Second).String()
	}
	if job.ErrorMessage != "" {
		info["error"] = job.ErrorMessage
	}
	return info
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
