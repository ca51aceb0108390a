package process

import (
	"context"
	"io"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	mlog "github.com/Sriram-PR/site-mirror/pkg/log"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestExec(t *testing.T, before ...pipeline.BeforeDownloader) *pipeline.Executor {
	t.Helper()
	reg := pipeline.Registry{
		LinkRedirect:   []pipeline.LinkRedirector{SkipUnsupportedLinks},
		DetectType:     []pipeline.TypeDetector{NewDetectByExtension(nil)},
		BeforeDownload: before,
		AfterDownload:  []pipeline.AfterDownloader{HTMLProcessor, CSSProcessor, SVGProcessor, SitemapProcessor},
	}
	return pipeline.NewExecutor(reg, resource.Options{LocalRoot: t.TempDir()}, mlog.Discard(), testLogger())
}

func downloaded(t *testing.T, exec *pipeline.Executor, rawURL string, typ resource.Type, body string) *resource.DownloadResource {
	t.Helper()
	r, err := resource.Create(resource.Params{Type: typ, URL: rawURL}, exec.Options())
	require.NoError(t, err)
	r.Body = []byte(body)
	d, ok := resource.AsDownloaded(r)
	require.True(t, ok)
	return d
}

// run processes d and returns the processed body and the URLs of the submitted children.
func run(t *testing.T, exec *pipeline.Executor, d *resource.DownloadResource) (string, []*resource.Resource) {
	t.Helper()
	var children []*resource.Resource
	out, err := exec.AfterDownload(context.Background(), d, func(c *resource.Resource) {
		children = append(children, c)
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	return string(out.Body), children
}

func childURLs(children []*resource.Resource) []string {
	urls := make([]string, 0, len(children))
	for _, c := range children {
		urls = append(urls, c.URL)
	}
	sort.Strings(urls)
	return urls
}

func childTypes(children []*resource.Resource) map[string]resource.Type {
	types := make(map[string]resource.Type, len(children))
	for _, c := range children {
		types[c.URL] = c.Type
	}
	return types
}
