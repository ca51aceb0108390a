package pipeline

import (
	"context"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// Link is a URL that has been discovered but has no resource yet.
type Link struct {
	URL   string
	Type  resource.Type
	Depth int
	// Parent is the downloaded resource the link was found in; nil for seeds.
	Parent *resource.Resource
}

// LinkRedirector may rewrite or veto a raw link.
type LinkRedirector interface {
	RedirectLink(ctx context.Context, link Link, exec *Executor) (Outcome[Link], error)
}

// TypeDetector refines the type of a link from its shape.
type TypeDetector interface {
	DetectType(ctx context.Context, link Link, exec *Executor) (Outcome[Link], error)
}

// CreateFunc turns a link into a resource. Exactly one is used per executor.
type CreateFunc func(link Link, opts resource.Options) (*resource.Resource, error)

// BeforeDownloader filters or annotates a resource before it is queued.
type BeforeDownloader interface {
	BeforeDownload(ctx context.Context, r *resource.Resource, exec *Executor) (Outcome[*resource.Resource], error)
}

// Downloader fetches a body. The first downloader that leaves a body ends the chain.
type Downloader interface {
	Download(ctx context.Context, r *resource.Resource, exec *Executor) (Outcome[*resource.Resource], error)
}

// Env is handed to post-download stages.
type Env struct {
	Exec *Executor
	// Submit feeds a discovered child back to the frontier.
	Submit func(child *resource.Resource)
}

// AfterDownloader transforms a downloaded body and discovers children.
type AfterDownloader interface {
	AfterDownload(ctx context.Context, r *resource.DownloadResource, env *Env) (Outcome[*resource.DownloadResource], error)
}

// Saver persists a downloaded resource. A discard means it was already handled.
type Saver interface {
	Save(ctx context.Context, r *resource.DownloadResource, exec *Executor) (Outcome[*resource.DownloadResource], error)
}

type LinkRedirectorFunc func(ctx context.Context, link Link, exec *Executor) (Outcome[Link], error)

func (f LinkRedirectorFunc) RedirectLink(ctx context.Context, link Link, exec *Executor) (Outcome[Link], error) {
	return f(ctx, link, exec)
}

type TypeDetectorFunc func(ctx context.Context, link Link, exec *Executor) (Outcome[Link], error)

func (f TypeDetectorFunc) DetectType(ctx context.Context, link Link, exec *Executor) (Outcome[Link], error) {
	return f(ctx, link, exec)
}

type BeforeDownloaderFunc func(ctx context.Context, r *resource.Resource, exec *Executor) (Outcome[*resource.Resource], error)

func (f BeforeDownloaderFunc) BeforeDownload(ctx context.Context, r *resource.Resource, exec *Executor) (Outcome[*resource.Resource], error) {
	return f(ctx, r, exec)
}

type DownloaderFunc func(ctx context.Context, r *resource.Resource, exec *Executor) (Outcome[*resource.Resource], error)

func (f DownloaderFunc) Download(ctx context.Context, r *resource.Resource, exec *Executor) (Outcome[*resource.Resource], error) {
	return f(ctx, r, exec)
}

type AfterDownloaderFunc func(ctx context.Context, r *resource.DownloadResource, env *Env) (Outcome[*resource.DownloadResource], error)

func (f AfterDownloaderFunc) AfterDownload(ctx context.Context, r *resource.DownloadResource, env *Env) (Outcome[*resource.DownloadResource], error) {
	return f(ctx, r, env)
}

type SaverFunc func(ctx context.Context, r *resource.DownloadResource, exec *Executor) (Outcome[*resource.DownloadResource], error)

func (f SaverFunc) Save(ctx context.Context, r *resource.DownloadResource, exec *Executor) (Outcome[*resource.DownloadResource], error) {
	return f(ctx, r, exec)
}

// Registry holds the ordered stage chains of every phase.
type Registry struct {
	LinkRedirect   []LinkRedirector
	DetectType     []TypeDetector
	Create         CreateFunc
	BeforeDownload []BeforeDownloader
	Download       []Downloader
	AfterDownload  []AfterDownloader
	Save           []Saver
}

// DefaultCreate builds a resource with resource.Create, taking the referrer from the parent.
func DefaultCreate(link Link, opts resource.Options) (*resource.Resource, error) {
	p := resource.Params{Type: link.Type, Depth: link.Depth, URL: link.URL}
	if link.Parent != nil {
		p.RefURL = link.Parent.EffectiveURL()
		p.RefSavePath = link.Parent.SavePath
		p.RefType = link.Parent.Type
	}
	return resource.Create(p, opts)
}
