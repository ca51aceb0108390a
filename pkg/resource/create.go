package resource

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// maxFileNameLength bounds a file name produced by query folding.
const maxFileNameLength = 128

// queryHashLength is the length of the hash used when a folded query is too long.
const queryHashLength = 16

// Options configure resource creation.
type Options struct {
	LocalRoot string
	// Encoding overrides the default text encoding per type.
	Encoding map[Type]string
	// PreserveQuery folds the query string into the saved file name.
	PreserveQuery bool
	// SkipReplacePathError turns path resolution failures into a download veto.
	SkipReplacePathError bool
	// SourceDir is the root that file: URLs are mirrored from.
	SourceDir          string
	AllowOutsideSource bool
}

// EncodingFor returns the configured encoding for t.
func (o Options) EncodingFor(t Type) string {
	if enc, ok := o.Encoding[t]; ok && enc != "" {
		return enc
	}
	if t.IsText() {
		return "utf-8"
	}
	return EncodingBinary
}

// Params identify the link being turned into a resource.
type Params struct {
	Type  Type
	Depth int
	URL   string
	// RefURL is empty for seeds, in which case URL must be absolute.
	RefURL string
	// RefSavePath is derived from RefURL and RefType when empty.
	RefSavePath string
	// RefType defaults to Html.
	RefType Type
}

// PathError reports a link whose save path cannot be computed.
type PathError struct {
	URL    string
	Reason string
	Err    error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %q: %s: %v", utils.ErrPathResolution, e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %q: %s", utils.ErrPathResolution, e.URL, e.Reason)
}

func (e *PathError) Unwrap() []error {
	if e.Err != nil {
		return []error{utils.ErrPathResolution, e.Err}
	}
	return []error{utils.ErrPathResolution}
}

// Create resolves a discovered link against its referrer and computes where it is
// saved and what the referrer should link to instead. It is pure and deterministic.
//
// With opts.SkipReplacePathError a failure yields a resource that keeps the raw link
// as its replace path and is flagged ShouldBeDiscardedFromDownload.
func Create(p Params, opts Options) (*Resource, error) {
	r, err := create(p, opts)
	if err == nil {
		return r, nil
	}
	if !opts.SkipReplacePathError {
		return nil, err
	}
	placeholder := &Resource{RawResource: RawResource{
		Type:                          p.Type,
		Depth:                         p.Depth,
		URL:                           p.URL,
		RawURL:                        p.URL,
		RefURL:                        p.RefURL,
		RefSavePath:                   p.RefSavePath,
		RefType:                       refTypeOrDefault(p.RefType),
		ReplacePath:                   p.URL,
		LocalRoot:                     opts.LocalRoot,
		Encoding:                      opts.EncodingFor(p.Type),
		CreateTimestamp:               time.Now(),
		ShouldBeDiscardedFromDownload: true,
	}}
	if ref, perr := url.Parse(p.RefURL); perr == nil && p.RefURL != "" {
		placeholder.RefURI = ref
	}
	if u, perr := url.Parse(p.URL); perr == nil {
		placeholder.URI = u
		placeholder.Host = u.Host
		placeholder.ReplaceURI = u
	}
	return placeholder, nil
}

func create(p Params, opts Options) (*Resource, error) {
	var ref *url.URL
	if p.RefURL != "" {
		var err error
		if ref, err = url.Parse(p.RefURL); err != nil {
			return nil, &PathError{URL: p.RefURL, Reason: "unparseable referrer", Err: err}
		}
	}

	target, err := parse.Resolve(p.URL, ref)
	if err != nil {
		return nil, &PathError{URL: p.URL, Reason: "unparseable url", Err: err}
	}
	if !target.IsAbs() {
		return nil, &PathError{URL: p.URL, Reason: "relative url without referrer"}
	}

	savePath, err := SavePath(target, p.Type, opts)
	if err != nil {
		return nil, err
	}

	refType := refTypeOrDefault(p.RefType)
	refSavePath := p.RefSavePath
	if refSavePath == "" && ref != nil {
		// A referrer outside the mirror (e.g. a mailto page) still gets a stable base.
		if refSavePath, err = SavePath(ref, refType, opts); err != nil {
			return nil, err
		}
	}

	replacePath := relativeLink(refSavePath, savePath, target.EscapedFragment())
	replaceURI, err := url.Parse(replacePath)
	if err != nil {
		return nil, &PathError{URL: p.URL, Reason: "unparseable replace path", Err: err}
	}

	download := *target
	download.Fragment = ""
	download.RawFragment = ""

	r := &Resource{
		RawResource: RawResource{
			Type:            p.Type,
			Depth:           p.Depth,
			URL:             download.String(),
			RawURL:          p.URL,
			DownloadLink:    download.String(),
			RefURL:          p.RefURL,
			RefSavePath:     refSavePath,
			RefType:         refType,
			SavePath:        savePath,
			ReplacePath:     replacePath,
			LocalRoot:       opts.LocalRoot,
			Encoding:        opts.EncodingFor(p.Type),
			CreateTimestamp: time.Now(),
		},
		URI:        &download,
		RefURI:     ref,
		ReplaceURI: replaceURI,
		Host:       target.Host,
	}
	return r, nil
}

func refTypeOrDefault(t Type) Type {
	if t == Unknown {
		return Html
	}
	return t
}

// SavePath computes the local-root-relative path a resource of type t fetched from u is
// written to. Every http(s) path starts with the escaped host, so resources of different
// origins never share a directory.
func SavePath(u *url.URL, t Type, opts Options) (string, error) {
	var hostDir, p string
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return "", &PathError{URL: u.String(), Reason: "empty host"}
		}
		hostDir = utils.EscapeForbidden(strings.ToLower(u.Host))
		p = cleanPath(u.Path)
	case "file":
		rel, err := sourceRelative(u.Path, opts)
		if err != nil {
			return "", err
		}
		p = rel
	default:
		return "", &PathError{URL: u.String(), Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	p = forceSuffix(p, t)
	if opts.PreserveQuery && u.RawQuery != "" {
		p = foldQuery(p, u.RawQuery)
	}

	escaped := utils.EscapeForbidden(strings.TrimPrefix(p, "/"))
	return path.Join(hostDir, escaped), nil
}

// cleanPath removes dot segments while keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func sourceRelative(p string, opts Options) (string, error) {
	local := filepath.FromSlash(p)
	if opts.SourceDir == "" {
		return cleanPath(p), nil
	}
	root, err := filepath.Abs(opts.SourceDir)
	if err != nil {
		return "", &PathError{URL: p, Reason: "bad source dir", Err: err}
	}
	rel, err := filepath.Rel(root, local)
	if err != nil {
		return "", &PathError{URL: p, Reason: "not under source dir", Err: err}
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		if !opts.AllowOutsideSource {
			return "", &PathError{URL: p, Reason: "escapes source dir " + root}
		}
		// Outside files keep their absolute layout under a reserved directory.
		return cleanPath("/_outside" + filepath.ToSlash(local)), nil
	}
	out := cleanPath(rel)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out, nil
}

// forceSuffix makes Html paths end in .html and gives directory-like paths a file name.
func forceSuffix(p string, t Type) string {
	dir := strings.HasSuffix(p, "/")
	if t != Html {
		if dir {
			return p + "index"
		}
		return p
	}
	lower := strings.ToLower(p)
	switch {
	case dir:
		return p + "index.html"
	case strings.HasSuffix(lower, ".html"):
		return p
	case strings.HasSuffix(lower, ".htm"):
		return p[:len(p)-len(".htm")] + ".html"
	default:
		return p + ".html"
	}
}

// foldQuery moves the sorted, deduplicated query pairs into the file name:
// dir/name.ext?b=2&a=1 becomes dir/name_a=1_b=2.ext. Long results fall back to a hash.
func foldQuery(p, rawQuery string) string {
	var pairs []string
	for _, pair := range strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' }) {
		// Slashes in values would create directories.
		pairs = append(pairs, strings.ReplaceAll(pair, "/", "%2F"))
	}
	if len(pairs) == 0 {
		return p
	}
	slices.Sort(pairs)
	pairs = slices.Compact(pairs)

	dir, file := path.Split(p)
	ext := path.Ext(file)
	name := strings.TrimSuffix(file, ext)

	folded := name + "_" + strings.Join(pairs, "_") + ext
	if len(folded) <= maxFileNameLength {
		return dir + folded
	}
	suffix := "_" + utils.ShortHash(rawQuery, queryHashLength) + ext
	if len(name)+len(suffix) > maxFileNameLength {
		// The hash covers the whole name so truncated names stay distinct.
		suffix = "_" + utils.ShortHash(name+"?"+rawQuery, queryHashLength) + ext
		name = truncateUTF8(name, maxFileNameLength-len(suffix))
	}
	return dir + name + suffix
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// relativeLink builds the link that leads from the document saved at refSavePath to
// targetSavePath. A link to the referrer itself is reduced to its fragment.
func relativeLink(refSavePath, targetSavePath, fragment string) string {
	suffix := ""
	if fragment != "" {
		suffix = "#" + fragment
	}
	if refSavePath == targetSavePath {
		return suffix
	}

	var from []string
	if d := path.Dir(refSavePath); refSavePath != "" && d != "." {
		from = strings.Split(d, "/")
	}
	to := strings.Split(targetSavePath, "/")

	common := 0
	for common < len(from) && common < len(to)-1 && from[common] == to[common] {
		common++
	}

	segments := make([]string, 0, len(from)-common+len(to)-common)
	for range from[common:] {
		segments = append(segments, "..")
	}
	for _, seg := range to[common:] {
		segments = append(segments, url.PathEscape(seg))
	}

	return strings.Join(segments, "/") + suffix
}
