package process

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

var unsupportedSchemes = map[string]bool{
	"mailto": true, "javascript": true, "tel": true, "data": true,
	"about": true, "blob": true, "sms": true, "ftp": true,
}

// SkipUnsupportedLinks is the default link redirect stage. It trims the raw
// link and drops anything that cannot be mirrored.
var SkipUnsupportedLinks = pipeline.LinkRedirectorFunc(func(_ context.Context, link pipeline.Link, _ *pipeline.Executor) (pipeline.Outcome[pipeline.Link], error) {
	link.URL = strings.TrimSpace(link.URL)
	switch {
	case link.URL == "":
		return pipeline.Drop[pipeline.Link]("empty link"), nil
	case strings.HasPrefix(link.URL, "#"):
		return pipeline.Drop[pipeline.Link]("fragment-only link"), nil
	}

	scheme := ""
	if i := strings.IndexByte(link.URL, ':'); i > 0 && !strings.ContainsAny(link.URL[:i], "/?#") {
		scheme = strings.ToLower(link.URL[:i])
	}
	if unsupportedSchemes[scheme] {
		return pipeline.Drop[pipeline.Link]("unsupported scheme " + scheme), nil
	}
	switch scheme {
	case "", "http", "https":
	case "file":
		if link.Parent != nil && link.Parent.URI != nil && link.Parent.URI.Scheme != "file" {
			return pipeline.Drop[pipeline.Link]("file link on remote page"), nil
		}
	default:
		return pipeline.Drop[pipeline.Link]("unsupported scheme " + scheme), nil
	}
	return pipeline.Next(link), nil
})

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".avif": true,
	".ico": true, ".bmp": true, ".tif": true, ".tiff": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".js": true, ".mjs": true, ".json": true, ".map": true, ".wasm": true,
	".pdf": true, ".txt": true, ".csv": true, ".md": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
}

// DefaultStreamingExtensions are large media and archive formats that are
// written to disk without buffering.
var DefaultStreamingExtensions = []string{
	".mp4", ".webm", ".mkv", ".mov", ".avi", ".mp3", ".ogg", ".wav", ".flac",
	".zip", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".7z", ".rar",
	".iso", ".dmg", ".exe", ".msi", ".deb", ".rpm", ".apk",
}

// DetectByExtension refines link types from the URL's file extension.
type DetectByExtension struct {
	streaming map[string]bool
}

// NewDetectByExtension builds the detector. Empty extra means the defaults.
func NewDetectByExtension(streamingExtensions []string) *DetectByExtension {
	if len(streamingExtensions) == 0 {
		streamingExtensions = DefaultStreamingExtensions
	}
	d := &DetectByExtension{streaming: make(map[string]bool, len(streamingExtensions))}
	for _, ext := range streamingExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		d.streaming[ext] = true
	}
	return d
}

// Detect returns the refined type for rawURL given the type its context implies.
func (d *DetectByExtension) Detect(rawURL string, def resource.Type) resource.Type {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := strings.ToLower(path.Base(p))
	ext := path.Ext(base)

	switch {
	case ext == "":
		return def
	case d.streaming[ext]:
		return resource.StreamingBinary
	case ext == ".css":
		return resource.Css
	case ext == ".svg":
		return resource.Svg
	case ext == ".xml" && strings.Contains(base, "sitemap"):
		return resource.SiteMap
	case (ext == ".html" || ext == ".htm" || ext == ".xhtml") && def == resource.Binary:
		return resource.Html
	case binaryExtensions[ext] && def == resource.Html:
		return resource.Binary
	}
	return def
}

// DetectType implements pipeline.TypeDetector.
func (d *DetectByExtension) DetectType(_ context.Context, link pipeline.Link, _ *pipeline.Executor) (pipeline.Outcome[pipeline.Link], error) {
	if t := d.Detect(link.URL, link.Type); t != link.Type {
		link.Type = t
	}
	return pipeline.Next(link), nil
}

// discover runs a link found in parent through the link phases, hands a
// downloadable child to the frontier and returns the text that should replace
// the link. ok is false when the link must be left untouched.
func discover(ctx context.Context, env *pipeline.Env, parent *resource.Resource, raw string, def resource.Type) (replace string, ok bool) {
	link := pipeline.Link{URL: raw, Type: def, Depth: parent.Depth + 1, Parent: parent}
	child, err := env.Exec.ProcessLink(ctx, link)
	if err != nil {
		env.Exec.Sinks().Failure(err, logrus.Fields{"url": raw, "ref": parent.URL})
		return "", false
	}
	if child == nil {
		return "", false
	}
	if !child.ShouldBeDiscardedFromDownload && env.Submit != nil {
		env.Submit(child)
	}
	return child.ReplacePath, true
}
