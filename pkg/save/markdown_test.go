package save

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

func newMarkdownExporter(t *testing.T, opts MarkdownOptions) *MarkdownExporter {
	t.Helper()
	m, err := NewMarkdownExporter(opts)
	require.NoError(t, err)
	return m
}

// splitFrontMatter returns the decoded front matter and the body after it
func splitFrontMatter(t *testing.T, data []byte) (frontMatter, string) {
	t.Helper()
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	require.True(t, ok, "missing front matter")
	header, body, ok := bytes.Cut(rest, []byte("---\n"))
	require.True(t, ok, "unterminated front matter")
	var fm frontMatter
	require.NoError(t, yaml.Unmarshal(header, &fm))
	return fm, strings.TrimLeft(string(body), "\n")
}

func TestMarkdownExporter(t *testing.T) {
	root := t.TempDir()
	exec := newExec(root, NewFileWriter(0), newMarkdownExporter(t, MarkdownOptions{}))
	d := downloaded(t, exec, "https://example.com/docs/intro.html", resource.Html,
		`<html><body><h1>Intro</h1><p>See <a href="next.html">next</a>.</p><h2>Details</h2><p>More.</p></body></html>`)

	require.NoError(t, exec.Save(context.Background(), d))

	assert.FileExists(t, filepath.Join(root, "example.com", "docs", "intro.html"))
	got, err := os.ReadFile(filepath.Join(root, "example.com", "docs", "intro.md"))
	require.NoError(t, err)

	fm, body := splitFrontMatter(t, got)
	assert.Equal(t, "https://example.com/docs/intro.html", fm.URL)
	assert.Equal(t, "Intro", fm.Title)
	assert.Equal(t, []string{"Intro", "Details"}, fm.Headings)
	assert.Positive(t, fm.TokenCount)
	assert.Contains(t, body, "# Intro")
	assert.Contains(t, body, "[next](next.html)")
	assert.NoFileExists(t, filepath.Join(root, "example.com", "docs", "intro.chunks.jsonl"))
}

func TestMarkdownExporter_SkipsNonHTML(t *testing.T) {
	root := t.TempDir()
	exec := newExec(root, NewFileWriter(0), newMarkdownExporter(t, MarkdownOptions{}))
	d := downloaded(t, exec, "https://example.com/site.css", resource.Css, "body{}")

	require.NoError(t, exec.Save(context.Background(), d))
	assert.NoFileExists(t, filepath.Join(root, "example.com", "site.md"))
}

func TestMarkdownExporter_WritesChunks(t *testing.T) {
	root := t.TempDir()
	exec := newExec(root, NewFileWriter(0), newMarkdownExporter(t, MarkdownOptions{Chunks: true, ChunkMaxTokens: 40, ChunkOverlap: 5}))

	var page strings.Builder
	page.WriteString("<html><body><h1>Guide</h1>")
	for _, section := range []string{"Install", "Configure", "Run"} {
		page.WriteString("<h2>" + section + "</h2>")
		page.WriteString("<p>" + strings.Repeat(section+" the mirror carefully. ", 12) + "</p>")
	}
	page.WriteString("</body></html>")
	d := downloaded(t, exec, "https://example.com/guide.html", resource.Html, page.String())

	require.NoError(t, exec.Save(context.Background(), d))

	f, err := os.Open(filepath.Join(root, "example.com", "guide.chunks.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var records []chunkRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec chunkRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Greater(t, len(records), 1)
	withHeading := false
	for i, rec := range records {
		assert.Equal(t, i, rec.ChunkIndex)
		assert.Equal(t, "https://example.com/guide.html", rec.URL)
		assert.NotEmpty(t, strings.TrimSpace(rec.Content))
		assert.Positive(t, rec.TokenCount)
		if len(rec.HeadingHierarchy) > 0 {
			withHeading = true
		}
	}
	assert.True(t, withHeading, "chunks carry their heading context")
}

func TestNewMarkdownExporter_UnknownEncoding(t *testing.T) {
	_, err := NewMarkdownExporter(MarkdownOptions{TokenEncoding: "klingon"})
	assert.ErrorContains(t, err, "klingon")
}

func TestNewMarkdownExporter_ClampsChunkSettings(t *testing.T) {
	m := newMarkdownExporter(t, MarkdownOptions{ChunkMaxTokens: 0, ChunkOverlap: -1})
	assert.Equal(t, DefaultChunkMaxTokens, m.opts.ChunkMaxTokens)
	assert.Equal(t, DefaultChunkOverlap, m.opts.ChunkOverlap)

	m = newMarkdownExporter(t, MarkdownOptions{ChunkMaxTokens: 20, ChunkOverlap: 30})
	assert.Equal(t, 10, m.opts.ChunkOverlap)
}

func TestTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter("")
	require.NoError(t, err)
	assert.Positive(t, tc.Count("Hello, world!"))
	assert.Zero(t, tc.Count(""))
	assert.Greater(t, tc.Count(strings.Repeat("mirror ", 50)), tc.Count("mirror"))

	_, err = NewTokenCounter("o200k_base")
	assert.NoError(t, err)
}

func TestExtractHeadings(t *testing.T) {
	src := []byte("# Title\n\nText.\n\n## Part one\n\nSetext\n======\n\nNo heading here.\n")
	assert.Equal(t, []string{"Title", "Part one", "Setext"}, ExtractHeadings(src))
	assert.Nil(t, ExtractHeadings([]byte("plain text")))
}

func TestChunkMarkdown_Empty(t *testing.T) {
	tc, err := NewTokenCounter("")
	require.NoError(t, err)
	chunks, err := ChunkMarkdown("  \n", tc, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkMarkdown_SmallDocumentIsOneChunk(t *testing.T) {
	tc, err := NewTokenCounter("")
	require.NoError(t, err)
	chunks, err := ChunkMarkdown("# Hello\n\nThis is a small document.", tc, 512, 50)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "Hello")
	assert.Contains(t, chunks[0].HeadingHierarchy, "Hello")
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "a", "index.md"), MarkdownPath(filepath.Join("out", "a", "index.html")))
	assert.Equal(t, filepath.Join("out", "a", "index.chunks.jsonl"), ChunksPath(filepath.Join("out", "a", "index.md")))
}
