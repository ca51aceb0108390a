package resource

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// EncodingBinary marks a body that must be written byte for byte.
const EncodingBinary = "binary"

// Meta holds stage-local annotations. Only the scalar fields survive Clone;
// the parsed document and headers stay with the goroutine that produced them.
type Meta struct {
	ContentType string `json:"contentType,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Charset     string `json:"charset,omitempty"`
	// Streamed is set when the body was already written to disk by the download stage.
	Streamed bool `json:"streamed,omitempty"`

	Doc     *goquery.Document `json:"-"`
	Headers http.Header       `json:"-"`
}

// RawResource is the plain form of a resource. It is what crosses into worker
// goroutines and what gets persisted for resume.
type RawResource struct {
	Type   Type   `json:"type"`
	Depth  int    `json:"depth"`
	URL    string `json:"url"`
	RawURL string `json:"rawUrl"`

	DownloadLink string `json:"downloadLink"`
	RefURL       string `json:"refUrl,omitempty"`
	RefSavePath  string `json:"refSavePath,omitempty"`
	RefType      Type   `json:"refType,omitempty"`

	SavePath    string `json:"savePath"`
	ReplacePath string `json:"replacePath"`
	LocalRoot   string `json:"localRoot"`
	Encoding    string `json:"encoding"`

	CreateTimestamp        time.Time `json:"createTimestamp"`
	DownloadStartTimestamp time.Time `json:"downloadStartTimestamp,omitzero"`
	FinishTimestamp        time.Time `json:"finishTimestamp,omitzero"`

	Body []byte `json:"-"`

	RedirectedURL      string `json:"redirectedUrl,omitempty"`
	RedirectedSavePath string `json:"redirectedSavePath,omitempty"`

	Meta Meta `json:"meta"`

	ShouldBeDiscardedFromDownload bool `json:"shouldBeDiscardedFromDownload,omitempty"`
}

// WaitTime is how long the resource sat in the frontier before its download started.
func (r *RawResource) WaitTime() time.Duration {
	if r.DownloadStartTimestamp.IsZero() {
		return 0
	}
	return r.DownloadStartTimestamp.Sub(r.CreateTimestamp)
}

// DownloadTime is the time between download start and finish.
func (r *RawResource) DownloadTime() time.Duration {
	if r.DownloadStartTimestamp.IsZero() || r.FinishTimestamp.IsZero() {
		return 0
	}
	return r.FinishTimestamp.Sub(r.DownloadStartTimestamp)
}

// Downloaded reports whether a body is present.
func (r *RawResource) Downloaded() bool { return r.Body != nil }

// AbsSavePath is the on-disk destination of the resource.
func (r *RawResource) AbsSavePath() string {
	if r.SavePath == "" {
		return ""
	}
	return filepath.Join(r.LocalRoot, filepath.FromSlash(r.SavePath))
}

// EffectiveURL is the URL the body was actually served from.
func (r *RawResource) EffectiveURL() string {
	if r.RedirectedURL != "" {
		return r.RedirectedURL
	}
	return r.URL
}

// Clone returns a deep copy that shares nothing with r. Non-scalar Meta fields are dropped.
func (r *RawResource) Clone() RawResource {
	c := r.CloneWithoutBody()
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return c
}

// CloneWithoutBody is Clone minus the body, for callers that hand the body over separately.
func (r *RawResource) CloneWithoutBody() RawResource {
	c := *r
	c.Body = nil
	c.Meta.Doc = nil
	c.Meta.Headers = nil
	return c
}

// Resource is a RawResource with its URLs parsed once at creation.
// The cached fields are read-only.
type Resource struct {
	RawResource

	URI        *url.URL
	RefURI     *url.URL
	ReplaceURI *url.URL
	Host       string
}

// FromRaw rebuilds the cached URL fields of a plain resource.
func FromRaw(raw RawResource) (*Resource, error) {
	r := &Resource{RawResource: raw}
	var err error
	if r.URI, err = url.Parse(raw.URL); err != nil {
		return nil, &PathError{URL: raw.URL, Reason: "unparseable url", Err: err}
	}
	r.Host = r.URI.Host
	if raw.RefURL != "" {
		if r.RefURI, err = url.Parse(raw.RefURL); err != nil {
			return nil, &PathError{URL: raw.RefURL, Reason: "unparseable referrer", Err: err}
		}
	}
	r.ReplaceURI, _ = url.Parse(raw.ReplacePath)
	return r, nil
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s[%s depth=%d]", r.URL, r.Type, r.Depth)
}

// DownloadResource is a Resource whose body is present.
type DownloadResource struct {
	*Resource
}

// AsDownloaded narrows r to a DownloadResource; ok is false while the body is absent.
func AsDownloaded(r *Resource) (d *DownloadResource, ok bool) {
	if r == nil || r.Body == nil {
		return nil, false
	}
	return &DownloadResource{Resource: r}, true
}
