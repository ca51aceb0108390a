package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

func TestResourceDBEntry_JSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	entry := ResourceDBEntry{
		Status:      StatusSaved,
		URL:         "https://example.com/a.css",
		Type:        resource.Css,
		Depth:       2,
		RefURL:      "https://example.com/",
		RefSavePath: "example.com/index.html",
		RefType:     resource.Html,
		SavePath:    "example.com/a.css",
		ContentHash: "abc123",
		Size:        42,
		SavedAt:     now,
		LastAttempt: now,
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"css"`)

	var got ResourceDBEntry
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, entry, got)
}

func TestResourceDBEntry_OmitEmpty(t *testing.T) {
	entry := ResourceDBEntry{Status: StatusQueued, Type: resource.Html, LastAttempt: time.Now().UTC()}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "error_type")
	assert.NotContains(t, s, "saved_at")
	assert.NotContains(t, s, "content_hash")
}

func TestEntryForAndWorkItem(t *testing.T) {
	r := &resource.Resource{RawResource: resource.RawResource{
		Type:        resource.Svg,
		Depth:       3,
		URL:         "https://example.com/logo.svg",
		RefURL:      "https://example.com/page.html",
		RefSavePath: "example.com/page.html",
		RefType:     resource.Html,
		SavePath:    "example.com/logo.svg",
	}}

	entry := EntryFor(r)
	assert.Equal(t, StatusQueued, entry.Status)
	assert.Equal(t, "example.com/logo.svg", entry.SavePath)
	assert.False(t, entry.LastAttempt.IsZero())

	item := entry.WorkItem()
	assert.Equal(t, WorkItem{
		URL:         r.URL,
		Type:        resource.Svg,
		Depth:       3,
		RefURL:      r.RefURL,
		RefSavePath: r.RefSavePath,
		RefType:     resource.Html,
	}, item)
}

func TestMirrorMetadata_YAML(t *testing.T) {
	meta := MirrorMetadata{
		SiteKey:    "docs",
		StartURLs:  []string{"https://example.com/"},
		TotalSaved: 1,
		Resources: []ResourceMetadata{
			{URL: "https://example.com/", SavePath: "example.com/index.html", Type: resource.Html},
		},
	}
	data, err := yaml.Marshal(meta)
	require.NoError(t, err)
	assert.Contains(t, string(data), "site_key: docs")
	assert.Contains(t, string(data), "type: html")
}
