package save

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/pipeline"
	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// MarkdownOptions configures the Markdown export.
type MarkdownOptions struct {
	// Domain resolves relative links in the output; empty keeps them relative.
	Domain string
	// TokenEncoding names the tiktoken encoding used for token counts.
	TokenEncoding string
	// Chunks also writes token-bounded chunks of each page as JSON lines.
	Chunks         bool
	ChunkMaxTokens int
	ChunkOverlap   int
}

// MarkdownExporter writes a Markdown rendition of each Html page next to it,
// with the .html suffix replaced by .md. Each file starts with YAML front
// matter holding the page URL, its headings and its token count.
type MarkdownExporter struct {
	converter *md.Converter
	tokens    *TokenCounter
	opts      MarkdownOptions
}

// frontMatter is the YAML header of an exported page
type frontMatter struct {
	URL        string   `yaml:"url"`
	Title      string   `yaml:"title,omitempty"`
	Headings   []string `yaml:"headings,omitempty"`
	TokenCount int      `yaml:"token_count"`
}

// chunkRecord is one line of a page's chunks file
type chunkRecord struct {
	URL              string   `json:"url"`
	ChunkIndex       int      `json:"chunk_index"`
	HeadingHierarchy []string `json:"heading_hierarchy,omitempty"`
	TokenCount       int      `json:"token_count"`
	Content          string   `json:"content"`
}

// NewMarkdownExporter creates an exporter. It fails on an unknown token encoding.
func NewMarkdownExporter(opts MarkdownOptions) (*MarkdownExporter, error) {
	tokens, err := NewTokenCounter(opts.TokenEncoding)
	if err != nil {
		return nil, err
	}
	if opts.ChunkMaxTokens <= 0 {
		opts.ChunkMaxTokens = DefaultChunkMaxTokens
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkMaxTokens {
		opts.ChunkOverlap = min(DefaultChunkOverlap, opts.ChunkMaxTokens/2)
	}
	return &MarkdownExporter{
		converter: md.NewConverter(opts.Domain, true, nil),
		tokens:    tokens,
		opts:      opts,
	}, nil
}

// Save implements pipeline.Saver. Export failures are logged, not returned.
func (m *MarkdownExporter) Save(_ context.Context, d *resource.DownloadResource, exec *pipeline.Executor) (pipeline.Outcome[*resource.DownloadResource], error) {
	if d.Type != resource.Html || d.SavePath == "" {
		return pipeline.Next(d), nil
	}
	mdPath := MarkdownPath(d.AbsSavePath())
	if err := m.export(d.URL, d.Body, mdPath); err != nil {
		exec.Sinks().Failure(fmt.Errorf("%w: %w", utils.ErrMarkdownExport, err), logrus.Fields{"url": d.URL, "path": mdPath})
	}
	return pipeline.Next(d), nil
}

func (m *MarkdownExporter) export(pageURL string, body []byte, mdPath string) error {
	content, err := m.converter.ConvertString(string(body))
	if err != nil {
		return err
	}
	headings := ExtractHeadings([]byte(content))
	fm := frontMatter{
		URL:        pageURL,
		Headings:   headings,
		TokenCount: m.tokens.Count(content),
	}
	if len(headings) > 0 {
		fm.Title = headings[0]
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&fm); err != nil {
		return fmt.Errorf("front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("front matter: %w", err)
	}
	buf.WriteString("---\n\n")
	buf.WriteString(content)
	if err := WriteFile(mdPath, buf.Bytes()); err != nil {
		return err
	}

	if !m.opts.Chunks {
		return nil
	}
	return m.writeChunks(pageURL, content, ChunksPath(mdPath))
}

func (m *MarkdownExporter) writeChunks(pageURL, content, path string) error {
	chunks, err := ChunkMarkdown(content, m.tokens, m.opts.ChunkMaxTokens, m.opts.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, c := range chunks {
		if err := enc.Encode(chunkRecord{
			URL:              pageURL,
			ChunkIndex:       i,
			HeadingHierarchy: c.HeadingHierarchy,
			TokenCount:       c.TokenCount,
			Content:          c.Content,
		}); err != nil {
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
	}
	return WriteFile(path, buf.Bytes())
}

// MarkdownPath maps a saved page path to its Markdown sibling.
func MarkdownPath(htmlPath string) string {
	ext := filepath.Ext(htmlPath)
	return strings.TrimSuffix(htmlPath, ext) + ".md"
}

// ChunksPath maps a Markdown path to its chunks file.
func ChunksPath(mdPath string) string {
	return strings.TrimSuffix(mdPath, ".md") + ".chunks.jsonl"
}
