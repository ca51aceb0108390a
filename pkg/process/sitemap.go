package process

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// SitemapProcessor submits the pages (or nested sitemaps) listed in a sitemap
// and rewrites each <loc> to the local link. A body that is not a sitemap is
// saved as fetched.
var SitemapProcessor = pipeline.AfterDownloaderFunc(func(ctx context.Context, d *resource.DownloadResource, env *pipeline.Env) (pipeline.Outcome[*resource.DownloadResource], error) {
	if d.Type != resource.SiteMap {
		return pipeline.Next(d), nil
	}
	sm, err := parse.ParseSitemap(d.Body)
	if err != nil {
		env.Exec.Log().WithFields(logrus.Fields{"url": d.URL, "error": err}).Warn("Unreadable sitemap, saving as is")
		return pipeline.Next(d), nil
	}

	childType := resource.Html
	if sm.Index != nil {
		childType = resource.SiteMap
	}
	found := 0
	sm.RewriteLocs(func(loc string) string {
		rep, ok := discover(ctx, env, d.Resource, strings.TrimSpace(loc), childType)
		if !ok {
			return loc
		}
		found++
		return rep
	})

	out, err := sm.Marshal()
	if err != nil {
		return pipeline.Outcome[*resource.DownloadResource]{}, err
	}
	env.Exec.Log().WithFields(logrus.Fields{"url": d.URL, "locs": found}).Debug("Processed sitemap")
	d.Body = out
	return pipeline.Next(d), nil
})
