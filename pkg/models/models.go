package models

import (
	"time"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// WorkItem is enough to recreate a resource through the pipeline on resume.
type WorkItem struct {
	URL         string
	Type        resource.Type
	Depth       int
	RefURL      string
	RefSavePath string
	RefType     resource.Type
}

// ResourceDBEntry stores the state of a resource in the database, keyed by its dedup key
type ResourceDBEntry struct {
	Status      ResourceStatus `json:"status"`
	URL         string         `json:"url"`
	Type        resource.Type  `json:"type"`
	Depth       int            `json:"depth"`
	RefURL      string         `json:"ref_url,omitempty"`
	RefSavePath string         `json:"ref_save_path,omitempty"`
	RefType     resource.Type  `json:"ref_type,omitempty"`
	SavePath    string         `json:"save_path,omitempty"`    // Relative to the local root
	ErrorType   string         `json:"error_type,omitempty"`   // Error category (on failure)
	ContentHash string         `json:"content_hash,omitempty"` // SHA256 of the saved body
	Size        int64          `json:"size,omitempty"`
	SavedAt     time.Time      `json:"saved_at,omitzero"`
	LastAttempt time.Time      `json:"last_attempt"`
}

// EntryFor builds a queued entry from a freshly created resource.
func EntryFor(r *resource.Resource) *ResourceDBEntry {
	return &ResourceDBEntry{
		Status:      StatusQueued,
		URL:         r.URL,
		Type:        r.Type,
		Depth:       r.Depth,
		RefURL:      r.RefURL,
		RefSavePath: r.RefSavePath,
		RefType:     r.RefType,
		SavePath:    r.SavePath,
		LastAttempt: time.Now(),
	}
}

// WorkItem returns the parameters needed to requeue the entry.
func (e *ResourceDBEntry) WorkItem() WorkItem {
	return WorkItem{
		URL:         e.URL,
		Type:        e.Type,
		Depth:       e.Depth,
		RefURL:      e.RefURL,
		RefSavePath: e.RefSavePath,
		RefType:     e.RefType,
	}
}

// MirrorMetadata holds all metadata for a single mirror run of a site.
type MirrorMetadata struct {
	SiteKey           string             `yaml:"site_key"`
	RunID             string             `yaml:"run_id"`
	StartURLs         []string           `yaml:"start_urls"`
	AllowedHosts      []string           `yaml:"allowed_hosts"`
	LocalRoot         string             `yaml:"local_root"`
	StartTime         time.Time          `yaml:"start_time"`
	EndTime           time.Time          `yaml:"end_time"`
	TotalSaved        int                `yaml:"total_saved"`
	TotalBytes        int64              `yaml:"total_bytes"`
	SinkCounts        map[string]int64   `yaml:"sink_counts,omitempty"`
	SiteConfiguration map[string]any     `yaml:"site_configuration,omitempty"`
	Resources         []ResourceMetadata `yaml:"resources"`
}

// ResourceMetadata holds metadata for a single saved resource.
type ResourceMetadata struct {
	URL           string        `yaml:"url"`
	RedirectedURL string        `yaml:"redirected_url,omitempty"`
	SavePath      string        `yaml:"save_path"` // Relative to local_root
	Type          resource.Type `yaml:"type"`
	Depth         int           `yaml:"depth"`
	Size          int64         `yaml:"size"`
	ContentHash   string        `yaml:"content_hash,omitempty"`
	SavedAt       time.Time     `yaml:"saved_at"`
}
