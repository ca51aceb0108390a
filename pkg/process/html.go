package process

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// linkAttr is an element attribute that holds a link of the given default type.
type linkAttr struct {
	selector string
	attr     string
	typ      resource.Type
	srcset   bool
}

var htmlLinkAttrs = []linkAttr{
	{"a[href]", "href", resource.Html, false},
	{"area[href]", "href", resource.Html, false},
	{"iframe[src]", "src", resource.Html, false},
	{"frame[src]", "src", resource.Html, false},
	{"img[src]", "src", resource.Binary, false},
	{"img[srcset]", "srcset", resource.Binary, true},
	{"source[src]", "src", resource.Binary, false},
	{"source[srcset]", "srcset", resource.Binary, true},
	{"script[src]", "src", resource.Binary, false},
	{"video[src]", "src", resource.Binary, false},
	{"video[poster]", "poster", resource.Binary, false},
	{"audio[src]", "src", resource.Binary, false},
	{"track[src]", "src", resource.Binary, false},
	{"embed[src]", "src", resource.Binary, false},
	{"object[data]", "data", resource.Binary, false},
	{"input[src]", "src", resource.Binary, false},
	{"image[href]", "href", resource.Binary, false},
	{"use[href]", "href", resource.Svg, false},
}

var metaRefreshPattern = regexp.MustCompile(`(?i)^(\s*\d*\s*[;,]\s*url\s*=\s*)(['"]?)([^'"]*)(['"]?)(\s*)$`)

// HTMLProcessor parses an Html body, replaces every link it can mirror with the
// local path and submits the linked resources.
var HTMLProcessor = pipeline.AfterDownloaderFunc(func(ctx context.Context, d *resource.DownloadResource, env *pipeline.Env) (pipeline.Outcome[*resource.DownloadResource], error) {
	if d.Type != resource.Html {
		return pipeline.Next(d), nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(d.Body))
	if err != nil {
		return pipeline.Outcome[*resource.DownloadResource]{}, fmt.Errorf("%w: html %s: %w", utils.ErrParsing, d.URL, err)
	}

	h := &htmlRewriter{ctx: ctx, env: env, parent: d.Resource}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, perr := url.Parse(d.EffectiveURL()); perr == nil {
			h.base, _ = parse.Resolve(strings.TrimSpace(href), ref)
		}
		// Local links are relative to the saved file, not the base.
		doc.Find("base").Remove()
	}

	for _, la := range htmlLinkAttrs {
		doc.Find(la.selector).Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(la.attr)
			if la.srcset {
				s.SetAttr(la.attr, h.srcset(val, la.typ))
				return
			}
			if rep, ok := h.rewrite(val, la.typ); ok {
				s.SetAttr(la.attr, rep)
			}
		})
	}
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		t, ok := linkRelType(s)
		if !ok {
			return
		}
		val, _ := s.Attr("href")
		if rep, ok := h.rewrite(val, t); ok {
			s.SetAttr("href", rep)
			if t == resource.Css {
				// The stylesheet is rewritten, so its digest no longer matches.
				s.RemoveAttr("integrity")
			}
		}
	})
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if equiv, _ := s.Attr("http-equiv"); !strings.EqualFold(equiv, "refresh") {
			return
		}
		content, _ := s.Attr("content")
		m := metaRefreshPattern.FindStringSubmatch(content)
		if m == nil {
			return
		}
		if rep, ok := h.rewrite(m[3], resource.Html); ok {
			s.SetAttr("content", m[1]+m[2]+rep+m[4]+m[5])
		}
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		s.SetAttr("style", RewriteCSS(ctx, h.env, h.baseParent(), style))
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		// <style> is raw text: SetText would entity-escape it.
		css := RewriteCSS(ctx, h.env, h.baseParent(), s.Text())
		s.Contents().Remove()
		s.AppendNodes(&html.Node{Type: html.TextNode, Data: css})
	})
	declareCharset(doc, d.Encoding)

	out, err := doc.Html()
	if err != nil {
		return pipeline.Outcome[*resource.DownloadResource]{}, fmt.Errorf("%w: render %s: %w", utils.ErrParsing, d.URL, err)
	}
	d.Body = []byte(out)
	d.Meta.Doc = doc
	return pipeline.Next(d), nil
})

type htmlRewriter struct {
	ctx    context.Context
	env    *pipeline.Env
	parent *resource.Resource
	base   *url.URL
}

// rewrite resolves raw against the document base and returns its replacement.
func (h *htmlRewriter) rewrite(raw string, t resource.Type) (string, bool) {
	raw = strings.TrimSpace(raw)
	if h.base != nil && raw != "" && !strings.HasPrefix(raw, "#") {
		if u, err := parse.Resolve(raw, h.base); err == nil {
			raw = u.String()
		}
	}
	return discover(h.ctx, h.env, h.parent, raw, t)
}

// baseParent is the referrer that inline CSS references resolve against.
func (h *htmlRewriter) baseParent() *resource.Resource {
	if h.base == nil {
		return h.parent
	}
	p := *h.parent
	p.RawResource.URL = h.base.String()
	p.RedirectedURL = ""
	p.URI = h.base
	return &p
}

// srcset rewrites each candidate URL of a srcset list and keeps its descriptor.
func (h *htmlRewriter) srcset(val string, t resource.Type) string {
	candidates := strings.Split(val, ",")
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		if rep, ok := h.rewrite(fields[0], t); ok {
			fields[0] = rep
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, ", ")
}

// linkRelType maps a <link> element to the type of the resource it references.
// ok is false for relations that are not fetched, e.g. preconnect.
func linkRelType(s *goquery.Selection) (resource.Type, bool) {
	rel, _ := s.Attr("rel")
	as, _ := s.Attr("as")
	_, typed := s.Attr("type")
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		switch r {
		case "stylesheet":
			return resource.Css, true
		case "preload", "prefetch":
			switch strings.ToLower(as) {
			case "style":
				return resource.Css, true
			case "document":
				return resource.Html, true
			}
			return resource.Binary, true
		case "icon", "apple-touch-icon", "apple-touch-icon-precomposed", "mask-icon", "manifest", "modulepreload":
			return resource.Binary, true
		case "canonical", "alternate", "next", "prev":
			if typed {
				return resource.Binary, true
			}
			return resource.Html, true
		}
	}
	return resource.Unknown, false
}

// declareCharset makes the document's charset declarations match the encoding it is saved in.
func declareCharset(doc *goquery.Document, enc string) {
	if enc == "" || enc == resource.EncodingBinary {
		return
	}
	doc.Find("meta[charset]").SetAttr("charset", enc)
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if equiv, _ := s.Attr("http-equiv"); strings.EqualFold(equiv, "content-type") {
			s.SetAttr("content", "text/html; charset="+enc)
		}
	})
}
