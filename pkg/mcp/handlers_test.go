package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-mirror/pkg/config"
)

func newTestServer(t *testing.T, sites map[string]config.SiteConfig) *Server {
	t.Helper()
	noRobots := false
	appCfg := &config.AppConfig{
		NumWorkers:         1,
		Concurrency:        2,
		OutputBaseDir:      t.TempDir(),
		InitialRetryDelay:  10 * time.Millisecond,
		MaxRetryDelay:      10 * time.Millisecond,
		RespectRobots:      &noRobots,
		EnableMetadataYAML: true,
		Sites:              sites,
	}
	_, err := appCfg.Validate()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := NewServer(&ServerConfig{AppConfig: appCfg, Transport: "stdio", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// resultJSON decodes the text content of a successful tool result
func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError, resultText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	return out
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content type %T", result.Content[0])
	return ""
}

func smallSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/page.html">page</a></body></html>`)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/">home</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitForJob(t *testing.T, s *Server, jobID string) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := s.jobManager.GetJob(jobID)
		return ok && !job.Status.Active()
	}, 15*time.Second, 20*time.Millisecond)

	res, err := s.handleGetJobStatus(context.Background(), toolRequest("get_job_status", map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	return resultJSON(t, res)
}

func TestNewServer_RequiresAppConfig(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
}

func TestRun_UnknownTransport(t *testing.T) {
	s := newTestServer(t, nil)
	s.cfg.Transport = "carrier-pigeon"
	assert.ErrorContains(t, s.Run(), "unknown transport")
}

func TestHandleListSites(t *testing.T) {
	s := newTestServer(t, map[string]config.SiteConfig{
		"beta":  {StartURLs: []string{"http://beta.example/"}},
		"alpha": {StartURLs: []string{"http://alpha.example/"}, MaxDepth: 3},
	})

	res, err := s.handleListSites(context.Background(), toolRequest("list_sites", nil))
	require.NoError(t, err)
	out := resultJSON(t, res)

	assert.EqualValues(t, 2, out["total_sites"])
	sites := out["sites"].([]any)
	first := sites[0].(map[string]any)
	assert.Equal(t, "alpha", first["key"])
	assert.EqualValues(t, 3, first["max_depth"])
	assert.NotContains(t, first, "last_mirrored")
}

func TestHandleMirrorSite_Validation(t *testing.T) {
	s := newTestServer(t, map[string]config.SiteConfig{
		"empty": {},
	})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing key", nil, "site_key parameter is required"},
		{"unknown site", map[string]any{"site_key": "nope"}, "not found"},
		{"invalid site", map[string]any{"site_key": "empty"}, "invalid site configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleMirrorSite(context.Background(), toolRequest("mirror_site", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
	assert.Empty(t, s.jobManager.ListJobs())
}

func TestHandleMirrorSite_RunsJobToCompletion(t *testing.T) {
	site := smallSite(t)
	s := newTestServer(t, map[string]config.SiteConfig{
		"small": {StartURLs: []string{site.URL + "/"}},
	})

	res, err := s.handleMirrorSite(context.Background(), toolRequest("mirror_site", map[string]any{"site_key": "small"}))
	require.NoError(t, err)
	started := resultJSON(t, res)
	assert.Equal(t, "started", started["status"])
	jobID := started["job_id"].(string)

	status := waitForJob(t, s, jobID)
	assert.Equal(t, string(JobStatusCompleted), status["status"])
	assert.EqualValues(t, 2, status["saved"])
	assert.Contains(t, status, "duration")

	res, err = s.handleListSites(context.Background(), toolRequest("list_sites", nil))
	require.NoError(t, err)
	site0 := resultJSON(t, res)["sites"].([]any)[0].(map[string]any)
	assert.Contains(t, site0, "last_mirrored")
	assert.NotContains(t, site0, "job_id")

	res, err = s.handleListJobs(context.Background(), toolRequest("list_jobs", nil))
	require.NoError(t, err)
	assert.EqualValues(t, 1, resultJSON(t, res)["total_jobs"])
}

func TestHandleMirrorSite_AlreadyRunning(t *testing.T) {
	s := newTestServer(t, map[string]config.SiteConfig{
		"docs": {StartURLs: []string{"http://docs.example/"}},
	})
	job, _ := s.jobManager.CreateJob("docs", false)

	res, err := s.handleMirrorSite(context.Background(), toolRequest("mirror_site", map[string]any{"site_key": "docs"}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, "already_running", out["status"])
	assert.Equal(t, job.ID, out["job_id"])
}

func TestHandleCancelJob(t *testing.T) {
	s := newTestServer(t, nil)
	job, _ := s.jobManager.CreateJob("docs", false)

	res, err := s.handleCancelJob(context.Background(), toolRequest("cancel_job", map[string]any{"job_id": job.ID}))
	require.NoError(t, err)
	assert.Equal(t, "cancelled", resultJSON(t, res)["status"])

	res, err = s.handleCancelJob(context.Background(), toolRequest("cancel_job", map[string]any{"job_id": job.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not running")

	res, err = s.handleCancelJob(context.Background(), toolRequest("cancel_job", map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestHandleGetJobStatus_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	res, err := s.handleGetJobStatus(context.Background(), toolRequest("get_job_status", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGetJobStatus(context.Background(), toolRequest("get_job_status", map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestRunMirrorJob_SkipsCancelledJob(t *testing.T) {
	s := newTestServer(t, nil)
	job, _ := s.jobManager.CreateJob("docs", false)
	require.True(t, s.jobManager.CancelJob(job.ID))

	s.runMirrorJob(job.ID, "docs", config.SiteConfig{StartURLs: []string{"http://docs.example/"}}, false)

	got, _ := s.jobManager.GetJob(job.ID)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.NoDirExists(t, s.localRoot("docs"))
}
