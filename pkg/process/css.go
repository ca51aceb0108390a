package process

import (
	"context"
	"regexp"
	"strings"

	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

var (
	// url(...) with an optional leading @import; groups: import, double, single, bare.
	cssURLPattern = regexp.MustCompile(`(?i)(@import\s+)?url\(\s*(?:"([^"]*)"|'([^']*)'|([^)'"\s]*))\s*\)`)
	// @import "..." without url(); groups: double, single.
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// CSSProcessor rewrites url() and @import references of stylesheets.
var CSSProcessor = pipeline.AfterDownloaderFunc(func(ctx context.Context, d *resource.DownloadResource, env *pipeline.Env) (pipeline.Outcome[*resource.DownloadResource], error) {
	if d.Type != resource.Css && d.Type != resource.CssInline {
		return pipeline.Next(d), nil
	}
	d.Body = []byte(RewriteCSS(ctx, env, d.Resource, string(d.Body)))
	return pipeline.Next(d), nil
})

// RewriteCSS discovers every reference in css, found in parent, and returns css
// with each reference replaced by its local link.
func RewriteCSS(ctx context.Context, env *pipeline.Env, parent *resource.Resource, css string) string {
	css = replaceSubmatches(cssURLPattern, css, func(m []string) string {
		raw, quote := firstGroup(m[2], m[3], m[4]), quoteOf(m[2], m[3])
		if m[2] == "" && m[3] == "" && m[4] == "" {
			return m[0]
		}
		t := resource.Binary
		if m[1] != "" {
			t = resource.Css
		}
		rep, ok := discover(ctx, env, parent, raw, t)
		if !ok {
			return m[0]
		}
		if quote == "" && strings.ContainsAny(rep, " ()'\"") {
			quote = `"`
		}
		return m[1] + "url(" + quote + rep + quote + ")"
	})
	return replaceSubmatches(cssImportPattern, css, func(m []string) string {
		raw, quote := firstGroup(m[1], m[2]), quoteOf(m[1], m[2])
		rep, ok := discover(ctx, env, parent, raw, resource.Css)
		if !ok {
			return m[0]
		}
		return "@import " + quote + rep + quote
	})
}

func firstGroup(groups ...string) string {
	for _, g := range groups {
		if g != "" {
			return g
		}
	}
	return ""
}

func quoteOf(double, single string) string {
	switch {
	case double != "":
		return `"`
	case single != "":
		return "'"
	}
	return ""
}

// replaceSubmatches is regexp.ReplaceAllStringFunc with access to the groups.
// Unmatched groups are empty strings.
func replaceSubmatches(re *regexp.Regexp, s string, fn func(groups []string) string) string {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range idx {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(fn(groups))
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
