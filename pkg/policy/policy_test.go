package policy

import (
	"context"
	"errors"
	"io"
	"net/url"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mlog "github.com/Sriram-PR/site-mirror/pkg/log"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

func newExec(before ...pipeline.BeforeDownloader) *pipeline.Executor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return pipeline.NewExecutor(pipeline.Registry{BeforeDownload: before}, resource.Options{LocalRoot: "out"}, mlog.Discard(), logrus.NewEntry(logger))
}

func link(rawURL string, typ resource.Type, depth int) pipeline.Link {
	parent, err := resource.Create(resource.Params{Type: resource.Html, URL: "https://example.com/docs/"}, resource.Options{LocalRoot: "out"})
	if err != nil {
		panic(err)
	}
	return pipeline.Link{URL: rawURL, Type: typ, Depth: depth, Parent: parent}
}

func TestKeepOnline(t *testing.T) {
	r, err := resource.Create(resource.Params{Type: resource.Html, URL: "https://other.org/a/b#frag", RefURL: "https://example.com/"}, resource.Options{})
	require.NoError(t, err)
	require.Equal(t, "../other.org/a/b.html#frag", r.ReplacePath)

	KeepOnline(r)
	assert.True(t, r.ShouldBeDiscardedFromDownload)
	assert.Equal(t, "https://other.org/a/b#frag", r.ReplacePath)
	assert.Equal(t, "other.org", r.ReplaceURI.Host)
}

func TestMaxDepth(t *testing.T) {
	exec := newExec(MaxDepth{Limit: 2})

	r, err := exec.ProcessLink(context.Background(), link("page.html", resource.Html, 2))
	require.NoError(t, err)
	assert.False(t, r.ShouldBeDiscardedFromDownload)
	assert.Equal(t, "page.html", r.ReplacePath)

	r, err = exec.ProcessLink(context.Background(), link("deep.png", resource.Binary, 3))
	require.NoError(t, err)
	assert.True(t, r.ShouldBeDiscardedFromDownload)
	assert.Equal(t, "https://example.com/docs/deep.png", r.ReplacePath)

	unlimited := newExec(MaxDepth{})
	r, err = unlimited.ProcessLink(context.Background(), link("page.html", resource.Html, 50))
	require.NoError(t, err)
	assert.False(t, r.ShouldBeDiscardedFromDownload)
}

func TestScope(t *testing.T) {
	scope := NewScope([]string{"example.com", "*.example.net"}, []*regexp.Regexp{regexp.MustCompile(`^/private/`)})
	exec := newExec(scope)

	tests := []struct {
		name   string
		url    string
		typ    resource.Type
		online bool
	}{
		{"same host page", "https://example.com/guide/", resource.Html, false},
		{"host case", "https://EXAMPLE.com/guide/", resource.Html, false},
		{"foreign page", "https://other.org/", resource.Html, true},
		{"foreign asset", "https://cdn.other.org/app.css", resource.Css, false},
		{"wildcard subdomain", "https://docs.example.net/", resource.Html, false},
		{"wildcard needs subdomain", "https://badexample.net/", resource.Html, true},
		{"disallowed path", "https://example.com/private/x.html", resource.Html, true},
		{"disallowed asset path", "https://example.com/private/x.png", resource.Binary, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := exec.ProcessLink(context.Background(), link(tt.url, tt.typ, 1))
			require.NoError(t, err)
			require.NotNil(t, r)
			assert.Equal(t, tt.online, r.ShouldBeDiscardedFromDownload)
		})
	}

	u, _ := url.Parse("file:///srv/site/index.html")
	assert.True(t, scope.HostAllowed(u))
	assert.True(t, NewScope(nil, nil).HostAllowed(&url.URL{Scheme: "https", Host: "anything.org"}))
}

type fakeRobots struct{ disallowed map[string]bool }

func (f fakeRobots) Allowed(_ context.Context, u *url.URL) bool { return !f.disallowed[u.Path] }

func TestRobotsFilter(t *testing.T) {
	exec := newExec(RobotsFilter{Robots: fakeRobots{disallowed: map[string]bool{"/docs/secret.html": true}}})

	r, err := exec.ProcessLink(context.Background(), link("secret.html", resource.Html, 1))
	require.NoError(t, err)
	assert.True(t, r.ShouldBeDiscardedFromDownload)
	assert.Equal(t, "https://example.com/docs/secret.html", r.ReplacePath)

	r, err = exec.ProcessLink(context.Background(), link("public.html", resource.Html, 1))
	require.NoError(t, err)
	assert.False(t, r.ShouldBeDiscardedFromDownload)
}

type fakeStatus struct {
	statuses map[string]models.ResourceStatus
	err      error
}

func (f fakeStatus) CheckStatus(key string) (models.ResourceStatus, *models.ResourceDBEntry, error) {
	if f.err != nil {
		return models.StatusDBError, nil, f.err
	}
	if s, ok := f.statuses[key]; ok {
		return s, &models.ResourceDBEntry{Status: s}, nil
	}
	return models.StatusNotFound, nil, nil
}

func TestResumeFilter(t *testing.T) {
	store := fakeStatus{statuses: map[string]models.ResourceStatus{
		"https://example.com/docs/done.html":    models.StatusSaved,
		"https://example.com/docs/pending.html": models.StatusQueued,
	}}
	exec := newExec(ResumeFilter{Store: store})

	r, err := exec.ProcessLink(context.Background(), link("done.html", resource.Html, 1))
	require.NoError(t, err)
	assert.True(t, r.ShouldBeDiscardedFromDownload)
	assert.Equal(t, "done.html", r.ReplacePath, "saved resources keep their local link")

	r, err = exec.ProcessLink(context.Background(), link("pending.html", resource.Html, 1))
	require.NoError(t, err)
	assert.False(t, r.ShouldBeDiscardedFromDownload)

	failing := newExec(ResumeFilter{Store: fakeStatus{err: errors.New("db closed")}})
	r, err = failing.ProcessLink(context.Background(), link("done.html", resource.Html, 1))
	require.NoError(t, err)
	assert.False(t, r.ShouldBeDiscardedFromDownload)
}
