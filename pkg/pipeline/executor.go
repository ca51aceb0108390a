package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	mlog "github.com/Sriram-PR/site-mirror/pkg/log"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// ErrNoBody is returned when every download stage passed on a resource.
var ErrNoBody = errors.New("no download stage produced a body")

// Executor runs resources through the registered stage chains.
// The registry is copied at construction and never modified afterwards, so an
// Executor can be shared by any number of goroutines.
type Executor struct {
	reg   Registry
	opts  resource.Options
	sinks *mlog.Sinks
	log   *logrus.Entry

	discards [numPhases]atomic.Int64
}

// NewExecutor creates an executor over a private copy of reg.
func NewExecutor(reg Registry, opts resource.Options, sinks *mlog.Sinks, log *logrus.Entry) *Executor {
	if reg.Create == nil {
		reg.Create = DefaultCreate
	}
	if sinks == nil {
		sinks = mlog.Discard()
	}
	return &Executor{
		reg: Registry{
			LinkRedirect:   slices.Clone(reg.LinkRedirect),
			DetectType:     slices.Clone(reg.DetectType),
			Create:         reg.Create,
			BeforeDownload: slices.Clone(reg.BeforeDownload),
			Download:       slices.Clone(reg.Download),
			AfterDownload:  slices.Clone(reg.AfterDownload),
			Save:           slices.Clone(reg.Save),
		},
		opts:  opts,
		sinks: sinks,
		log:   log.WithField("component", "pipeline"),
	}
}

// Options returns the resource options the executor creates resources with.
func (e *Executor) Options() resource.Options { return e.opts }

// Sinks returns the per-category loggers of the run.
func (e *Executor) Sinks() *mlog.Sinks { return e.sinks }

// Log returns the executor's logger.
func (e *Executor) Log() *logrus.Entry { return e.log }

// Discards returns how many resources were discarded in phase p.
func (e *Executor) Discards(p Phase) int64 {
	if p < 0 || p >= numPhases {
		return 0
	}
	return e.discards[p].Load()
}

func (e *Executor) discarded(p Phase, url, reason string) {
	e.discards[p].Add(1)
	e.sinks.Skip().WithFields(logrus.Fields{"phase": p.String(), "url": url, "reason": reason}).Debug("Discarded")
}

// ProcessLink runs link redirect, type detection, creation and the before-download
// chain. It returns nil without error when a stage discarded the link.
func (e *Executor) ProcessLink(ctx context.Context, link Link) (*resource.Resource, error) {
	for _, stage := range e.reg.LinkRedirect {
		out, err := stage.RedirectLink(ctx, link, e)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", PhaseLinkRedirect, link.URL, err)
		}
		if out.Kind == Discard {
			e.discarded(PhaseLinkRedirect, link.URL, out.Reason)
			return nil, nil
		}
		link = out.Value
	}

	for _, stage := range e.reg.DetectType {
		out, err := stage.DetectType(ctx, link, e)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", PhaseDetectType, link.URL, err)
		}
		if out.Kind == Discard {
			e.discarded(PhaseDetectType, link.URL, out.Reason)
			return nil, nil
		}
		link = out.Value
	}

	r, err := e.reg.Create(link, e.opts)
	if err != nil {
		return nil, err
	}
	if r == nil {
		e.discarded(PhaseCreate, link.URL, "create returned no resource")
		return nil, nil
	}

	return e.BeforeDownload(ctx, r)
}

// BeforeDownload runs the before-download chain on an existing resource.
func (e *Executor) BeforeDownload(ctx context.Context, r *resource.Resource) (*resource.Resource, error) {
	for _, stage := range e.reg.BeforeDownload {
		out, err := stage.BeforeDownload(ctx, r, e)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", PhaseBeforeDownload, r.URL, err)
		}
		if out.Kind == Discard {
			e.discarded(PhaseBeforeDownload, r.URL, out.Reason)
			return nil, nil
		}
		r = out.Value
	}
	return r, nil
}

// Download runs the download chain until a stage leaves a body. A resource that
// already has a body is returned as is. A nil result without error means discarded.
func (e *Executor) Download(ctx context.Context, r *resource.Resource) (*resource.DownloadResource, error) {
	if d, ok := resource.AsDownloaded(r); ok {
		return d, nil
	}
	for _, stage := range e.reg.Download {
		out, err := stage.Download(ctx, r, e)
		if err != nil {
			return nil, err
		}
		if out.Kind == Discard {
			e.discarded(PhaseDownload, r.URL, out.Reason)
			return nil, nil
		}
		if out.Value == nil {
			return nil, fmt.Errorf("%s stage dropped %q", PhaseDownload, r.URL)
		}
		r = out.Value
		if d, ok := resource.AsDownloaded(r); ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoBody, r.URL)
}

// AfterDownload runs the post-download chain. Children are passed to submit as they
// are discovered. A nil result without error means discarded.
func (e *Executor) AfterDownload(ctx context.Context, d *resource.DownloadResource, submit func(*resource.Resource)) (*resource.DownloadResource, error) {
	env := &Env{Exec: e, Submit: submit}
	for _, stage := range e.reg.AfterDownload {
		out, err := stage.AfterDownload(ctx, d, env)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", PhaseAfterDownload, d.URL, err)
		}
		if out.Kind == Discard {
			e.discarded(PhaseAfterDownload, d.URL, out.Reason)
			return nil, nil
		}
		d = out.Value
		if d == nil || d.Resource == nil || d.Body == nil {
			return nil, fmt.Errorf("%s stage dropped the body of %q", PhaseAfterDownload, e.urlOf(d))
		}
	}
	return d, nil
}

// Save runs the save chain. A discard means the resource was already handled.
func (e *Executor) Save(ctx context.Context, d *resource.DownloadResource) error {
	for _, stage := range e.reg.Save {
		out, err := stage.Save(ctx, d, e)
		if err != nil {
			return fmt.Errorf("%s %q: %w", PhaseSave, d.URL, err)
		}
		if out.Kind == Discard {
			e.discards[PhaseSave].Add(1)
			e.log.WithFields(logrus.Fields{"url": d.URL, "reason": out.Reason}).Trace("Save handled early")
			return nil
		}
		d = out.Value
	}
	return nil
}

// PostProcess is the worker-side half of the life cycle: it rebuilds the resource from
// its plain form, runs the post-download chain and saves it. It returns the plain form
// of every child discovered, including those found before a discard.
func (e *Executor) PostProcess(ctx context.Context, raw resource.RawResource) ([]resource.RawResource, error) {
	r, err := resource.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	d, ok := resource.AsDownloaded(r)
	if !ok {
		return nil, fmt.Errorf("post-process %q: %w", raw.URL, ErrNoBody)
	}

	var children []resource.RawResource
	submit := func(child *resource.Resource) {
		if child != nil {
			children = append(children, child.Clone())
		}
	}

	d, err = e.AfterDownload(ctx, d, submit)
	if err != nil || d == nil {
		return children, err
	}
	return children, e.Save(ctx, d)
}

func (e *Executor) urlOf(d *resource.DownloadResource) string {
	if d == nil || d.Resource == nil {
		return "<nil>"
	}
	return d.URL
}
