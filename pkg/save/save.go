// Package save holds the stages that persist downloaded resources under the local root.
package save

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// SkipStreamed ends the save chain for bodies the download stage already wrote.
var SkipStreamed = pipeline.SaverFunc(func(_ context.Context, d *resource.DownloadResource, _ *pipeline.Executor) (pipeline.Outcome[*resource.DownloadResource], error) {
	if d.Meta.Streamed {
		return pipeline.Drop[*resource.DownloadResource]("streamed to disk"), nil
	}
	return pipeline.Next(d), nil
})

// FileWriter writes the body to the resource's save path, encoding text in the
// resource's configured encoding.
type FileWriter struct {
	// Retries is how many extra attempts a failed write gets.
	Retries    int
	RetryDelay time.Duration
}

// NewFileWriter creates a FileWriter with a 200ms pause between attempts.
func NewFileWriter(retries int) *FileWriter {
	return &FileWriter{Retries: retries, RetryDelay: 200 * time.Millisecond}
}

// Save implements pipeline.Saver.
func (w *FileWriter) Save(ctx context.Context, d *resource.DownloadResource, exec *pipeline.Executor) (pipeline.Outcome[*resource.DownloadResource], error) {
	path := d.AbsSavePath()
	if path == "" {
		return pipeline.Outcome[*resource.DownloadResource]{}, utils.WrapErrorf(utils.ErrPathResolution, "no save path for %s", d.URL)
	}
	data, err := Encode(d.Body, d.Type, d.Encoding)
	if err != nil {
		return pipeline.Outcome[*resource.DownloadResource]{}, fmt.Errorf("%s: %w", d.URL, err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 {
			exec.Sinks().Retry().WithFields(logrus.Fields{"url": d.URL, "path": path, "attempt": attempt, "error": lastErr}).Warn("Retrying write")
			select {
			case <-ctx.Done():
				return pipeline.Outcome[*resource.DownloadResource]{}, ctx.Err()
			case <-time.After(w.RetryDelay):
			}
		}
		if lastErr = WriteFile(path, data); lastErr == nil {
			d.FinishTimestamp = time.Now()
			exec.Log().WithFields(logrus.Fields{"url": d.URL, "path": path, "bytes": len(data)}).Trace("Saved")
			return pipeline.Next(d), nil
		}
	}
	return pipeline.Outcome[*resource.DownloadResource]{}, lastErr
}

// WriteFile creates the parent directories of path and writes data to it.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating directory '%s': %w", utils.ErrFilesystem, dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// Encode converts a UTF-8 text body to enc. Binary types and the binary or
// UTF-8 encodings are returned unchanged. Characters enc cannot represent are
// written as numeric character references.
func Encode(body []byte, t resource.Type, enc string) ([]byte, error) {
	if !t.IsText() || enc == "" || strings.EqualFold(enc, resource.EncodingBinary) {
		return body, nil
	}
	e, err := htmlindex.Get(enc)
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrEncoding, "unsupported encoding %q", enc)
	}
	if name, _ := htmlindex.Name(e); name == "utf-8" {
		return body, nil
	}
	out, err := encoding.HTMLEscapeUnsupported(e.NewEncoder()).Bytes(body)
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrEncoding, "encode %s: %v", enc, err)
	}
	return out, nil
}
