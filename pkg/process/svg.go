package process

import (
	"context"
	"html"
	"regexp"

	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

var (
	// href and xlink:href attributes, including the one of an xml-stylesheet instruction.
	svgHrefPattern  = regexp.MustCompile(`(?i)(\s(?:xlink:)?href\s*=\s*)(?:"([^"]*)"|'([^']*)')`)
	svgStylePattern = regexp.MustCompile(`(?is)(<style[^>]*>)(.*?)(</style>)`)
	svgAttrPattern  = regexp.MustCompile(`(?i)(\sstyle\s*=\s*)(?:"([^"]*)"|'([^']*)')`)
)

// SVGProcessor rewrites the references of an Svg document in place. The XML is
// edited textually so that everything else in it is saved unchanged.
var SVGProcessor = pipeline.AfterDownloaderFunc(func(ctx context.Context, d *resource.DownloadResource, env *pipeline.Env) (pipeline.Outcome[*resource.DownloadResource], error) {
	if d.Type != resource.Svg {
		return pipeline.Next(d), nil
	}
	body := string(d.Body)

	body = replaceSubmatches(svgHrefPattern, body, func(m []string) string {
		raw, quote := firstGroup(m[2], m[3]), quoteOf(m[2], m[3])
		if raw == "" {
			return m[0]
		}
		rep, ok := discover(ctx, env, d.Resource, html.UnescapeString(raw), resource.Binary)
		if !ok {
			return m[0]
		}
		return m[1] + quote + html.EscapeString(rep) + quote
	})
	body = replaceSubmatches(svgStylePattern, body, func(m []string) string {
		return m[1] + RewriteCSS(ctx, env, d.Resource, m[2]) + m[3]
	})
	body = replaceSubmatches(svgAttrPattern, body, func(m []string) string {
		style, quote := firstGroup(m[2], m[3]), quoteOf(m[2], m[3])
		if style == "" {
			return m[0]
		}
		return m[1] + quote + RewriteCSS(ctx, env, d.Resource, style) + quote
	})

	d.Body = []byte(body)
	return pipeline.Next(d), nil
})
