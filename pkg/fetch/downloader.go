package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// HTTPDownloader is the download stage for http(s) resources. Non-http
// resources pass through untouched for the next downloader in the chain.
type HTTPDownloader struct {
	fetcher   *Fetcher
	gate      *Gate
	userAgent string
	delay     time.Duration
	// StreamMinBytes switches Binary responses with a larger Content-Length
	// to streaming. Zero disables the switch.
	StreamMinBytes int64
}

// NewHTTPDownloader creates the buffered http download stage.
func NewHTTPDownloader(fetcher *Fetcher, gate *Gate, userAgent string, delay time.Duration) *HTTPDownloader {
	return &HTTPDownloader{fetcher: fetcher, gate: gate, userAgent: userAgent, delay: delay}
}

func isHTTP(r *resource.Resource) bool {
	return r.URI != nil && (r.URI.Scheme == "http" || r.URI.Scheme == "https")
}

// Download implements pipeline.Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if !isHTTP(r) || r.Type == resource.StreamingBinary {
		return pipeline.Next(r), nil
	}

	resp, release, err := d.get(ctx, r, exec)
	if err != nil {
		return pipeline.Outcome[*resource.Resource]{}, err
	}
	defer release()
	defer resp.Body.Close()

	if r.Type == resource.Binary && d.StreamMinBytes > 0 && resp.ContentLength > d.StreamMinBytes {
		return d.stream(r, resp, exec)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.Outcome[*resource.Resource]{}, utils.WrapErrorf(utils.ErrResponseBodyRead, "%s: %v", r.URL, err)
	}
	r.FinishTimestamp = time.Now()

	if r.Type == resource.Html && !isHTMLContentType(r.Meta.ContentType) {
		// Keeps its save path; only the HTML processing is skipped.
		exec.Log().WithFields(logrus.Fields{"url": r.URL, "content_type": r.Meta.ContentType}).Debug("Non-HTML response for HTML link, treating as binary")
		r.Type = resource.Binary
		r.Encoding = exec.Options().EncodingFor(resource.Binary)
	}

	if r.Type.IsText() {
		decoded, name, err := DecodeBody(body, r.Meta.ContentType)
		if err != nil {
			return pipeline.Outcome[*resource.Resource]{}, fmt.Errorf("%s: %w", r.URL, err)
		}
		body = decoded
		r.Meta.Charset = name
	}
	r.Body = body
	return pipeline.Next(r), nil
}

// get issues the request inside the gate and records transport metadata on r.
// On success the caller must call release and close the body.
func (d *HTTPDownloader) get(ctx context.Context, r *resource.Resource, exec *pipeline.Executor) (*http.Response, func(), error) {
	release, err := d.gate.Enter(ctx, r.Host, d.delay)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.DownloadLink, nil)
	if err != nil {
		release()
		return nil, nil, utils.WrapErrorf(utils.ErrRequestCreation, "%s: %v", r.DownloadLink, err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	r.DownloadStartTimestamp = time.Now()
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		release()
		return nil, nil, err
	}

	r.Meta.StatusCode = resp.StatusCode
	r.Meta.ContentType = resp.Header.Get("Content-Type")
	r.Meta.Headers = resp.Header

	if final := resp.Request.URL; final.String() != r.DownloadLink {
		r.RedirectedURL = final.String()
		if sp, err := resource.SavePath(final, r.Type, exec.Options()); err == nil {
			r.RedirectedSavePath = sp
		}
		exec.Log().WithFields(logrus.Fields{"url": r.URL, "redirected_url": r.RedirectedURL}).Debug("Followed redirect")
	}
	return resp, release, nil
}

func (d *HTTPDownloader) stream(r *resource.Resource, resp *http.Response, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	n, err := streamToFile(r.AbsSavePath(), resp.Body)
	if err != nil {
		return pipeline.Outcome[*resource.Resource]{}, fmt.Errorf("stream %s: %w", r.URL, err)
	}
	r.FinishTimestamp = time.Now()
	r.Meta.Streamed = true
	r.Body = []byte{}
	exec.Log().WithFields(logrus.Fields{"url": r.URL, "bytes": n}).Debug("Streamed to disk")
	return pipeline.Next(r), nil
}

// StreamingDownloader writes StreamingBinary http resources straight to
// disk. The resource leaves with an empty body and Meta.Streamed set.
type StreamingDownloader struct {
	http *HTTPDownloader
}

// NewStreamingDownloader shares transport and limits with h.
func NewStreamingDownloader(h *HTTPDownloader) *StreamingDownloader {
	return &StreamingDownloader{http: h}
}

// Download implements pipeline.Downloader.
func (s *StreamingDownloader) Download(ctx context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if !isHTTP(r) || r.Type != resource.StreamingBinary {
		return pipeline.Next(r), nil
	}
	if r.SavePath == "" {
		return pipeline.Drop[*resource.Resource]("no save path for streamed resource"), nil
	}
	resp, release, err := s.http.get(ctx, r, exec)
	if err != nil {
		return pipeline.Outcome[*resource.Resource]{}, err
	}
	defer release()
	defer resp.Body.Close()
	return s.http.stream(r, resp, exec)
}

// streamToFile copies src into path through a temp file in the same directory.
func streamToFile(path string, src io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, utils.WrapErrorf(utils.ErrFilesystem, "create dir %s: %v", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return 0, utils.WrapErrorf(utils.ErrFilesystem, "create temp in %s: %v", dir, err)
	}
	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmp.Name())
		return n, utils.WrapErrorf(utils.ErrResponseBodyRead, "%v", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp.Name())
		return n, utils.WrapErrorf(utils.ErrFilesystem, "close %s: %v", tmp.Name(), closeErr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return n, utils.WrapErrorf(utils.ErrFilesystem, "rename to %s: %v", path, err)
	}
	return n, nil
}

// FileDownloader reads file:// resources from the local filesystem.
type FileDownloader struct{}

// Download implements pipeline.Downloader.
func (FileDownloader) Download(ctx context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if r.URI == nil || r.URI.Scheme != "file" {
		return pipeline.Next(r), nil
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Outcome[*resource.Resource]{}, err
	}

	path := filepath.FromSlash(r.URI.Path)
	r.DownloadStartTimestamp = time.Now()
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		path = filepath.Join(path, "index.html")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Outcome[*resource.Resource]{}, fmt.Errorf("%w: read %s: %w", utils.ErrFilesystem, path, err)
	}
	r.FinishTimestamp = time.Now()

	if r.Type.IsText() {
		ct := ""
		if r.Type == resource.Html {
			ct = "text/html"
		}
		decoded, name, err := DecodeBody(body, ct)
		if err != nil {
			return pipeline.Outcome[*resource.Resource]{}, fmt.Errorf("%s: %w", r.URL, err)
		}
		body = decoded
		r.Meta.Charset = name
	}
	r.Body = body
	return pipeline.Next(r), nil
}
