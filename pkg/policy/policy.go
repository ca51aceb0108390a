// Package policy holds the before-download stages that decide whether a
// discovered resource is mirrored or left pointing at its online address.
package policy

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/parse"
	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// KeepOnline marks r as not to be downloaded and points its replace path at the
// absolute URL, so the mirrored referrer links to the live page instead.
func KeepOnline(r *resource.Resource) {
	r.ShouldBeDiscardedFromDownload = true
	abs := r.URL
	if r.ReplaceURI != nil && r.ReplaceURI.Fragment != "" {
		abs += "#" + r.ReplaceURI.EscapedFragment()
	}
	r.ReplacePath = abs
	r.ReplaceURI, _ = url.Parse(abs)
}

func skipped(exec *pipeline.Executor, r *resource.Resource, reason string) {
	exec.Sinks().Skip().WithFields(logrus.Fields{"url": r.URL, "depth": r.Depth, "reason": reason}).Debug("Keeping link online")
}

// MaxDepth keeps resources deeper than Limit online. Zero means unlimited.
type MaxDepth struct {
	Limit int
}

func (m MaxDepth) BeforeDownload(_ context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if m.Limit > 0 && r.Depth > m.Limit && !r.ShouldBeDiscardedFromDownload {
		KeepOnline(r)
		skipped(exec, r, "beyond max depth")
	}
	return pipeline.Next(r), nil
}

// Scope restricts pages to the allowed hosts and every resource to paths not
// matching a disallowed pattern. Assets may come from any host.
type Scope struct {
	hosts      map[string]bool
	wildcards  []string
	disallowed []*regexp.Regexp
}

// NewScope builds a Scope. A host entry "*.example.com" admits every subdomain
// of example.com. No hosts means any host.
func NewScope(allowedHosts []string, disallowed []*regexp.Regexp) *Scope {
	s := &Scope{hosts: make(map[string]bool, len(allowedHosts)), disallowed: disallowed}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if suffix, ok := strings.CutPrefix(h, "*"); ok {
			s.wildcards = append(s.wildcards, suffix)
			continue
		}
		s.hosts[h] = true
	}
	return s
}

// HostAllowed reports whether u's host is in scope.
func (s *Scope) HostAllowed(u *url.URL) bool {
	if u.Scheme == "file" || (len(s.hosts) == 0 && len(s.wildcards) == 0) {
		return true
	}
	host := strings.ToLower(u.Host)
	hostname := strings.ToLower(u.Hostname())
	if s.hosts[host] || s.hosts[hostname] {
		return true
	}
	for _, suffix := range s.wildcards {
		if strings.HasSuffix(hostname, suffix) {
			return true
		}
	}
	return false
}

// PathAllowed reports whether u's path matches none of the disallowed patterns.
func (s *Scope) PathAllowed(u *url.URL) bool {
	for _, re := range s.disallowed {
		if re.MatchString(u.Path) {
			return false
		}
	}
	return true
}

func (s *Scope) BeforeDownload(_ context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if r.ShouldBeDiscardedFromDownload || r.URI == nil {
		return pipeline.Next(r), nil
	}
	switch {
	case !s.PathAllowed(r.URI):
		KeepOnline(r)
		skipped(exec, r, "disallowed path")
	case isPage(r.Type) && !s.HostAllowed(r.URI):
		KeepOnline(r)
		skipped(exec, r, "out of scope host")
	}
	return pipeline.Next(r), nil
}

func isPage(t resource.Type) bool {
	return t == resource.Html || t == resource.SiteMap
}

// RobotsChecker answers robots.txt queries.
type RobotsChecker interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// RobotsFilter keeps resources that robots.txt disallows online.
type RobotsFilter struct {
	Robots RobotsChecker
}

func (f RobotsFilter) BeforeDownload(ctx context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if f.Robots == nil || r.ShouldBeDiscardedFromDownload || r.URI == nil {
		return pipeline.Next(r), nil
	}
	if !f.Robots.Allowed(ctx, r.URI) {
		KeepOnline(r)
		skipped(exec, r, "disallowed by robots.txt")
	}
	return pipeline.Next(r), nil
}

// StatusChecker looks up the recorded status of a resource key.
type StatusChecker interface {
	CheckStatus(key string) (models.ResourceStatus, *models.ResourceDBEntry, error)
}

// ResumeFilter skips the download of resources a previous run already saved.
// Their replace path stays local since the file is on disk.
type ResumeFilter struct {
	Store       StatusChecker
	StripSearch bool
}

func (f ResumeFilter) BeforeDownload(_ context.Context, r *resource.Resource, exec *pipeline.Executor) (pipeline.Outcome[*resource.Resource], error) {
	if f.Store == nil || r.ShouldBeDiscardedFromDownload || r.URI == nil {
		return pipeline.Next(r), nil
	}
	status, _, err := f.Store.CheckStatus(parse.NormalizeURL(r.URI, f.StripSearch))
	if err != nil {
		exec.Log().WithFields(logrus.Fields{"url": r.URL, "error": err}).Warn("Resume status lookup failed, downloading again")
		return pipeline.Next(r), nil
	}
	if status == models.StatusSaved {
		r.ShouldBeDiscardedFromDownload = true
		exec.Sinks().Skip().WithFields(logrus.Fields{"url": r.URL, "reason": "saved by previous run"}).Debug("Skipping download")
	}
	return pipeline.Next(r), nil
}
