package save

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/tiktoken-go/tokenizer"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	DefaultTokenEncoding  = "cl100k_base"
	DefaultChunkMaxTokens = 512
	DefaultChunkOverlap   = 50
)

// TokenCounter counts tokens with a tiktoken encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter loads the named encoding; empty means cl100k_base.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	var enc tokenizer.Encoding
	switch encoding {
	case "", DefaultTokenEncoding:
		enc = tokenizer.Cl100kBase
	case "o200k_base":
		enc = tokenizer.O200kBase
	case "p50k_base":
		enc = tokenizer.P50kBase
	case "p50k_edit":
		enc = tokenizer.P50kEdit
	case "r50k_base":
		enc = tokenizer.R50kBase
	default:
		return nil, fmt.Errorf("unknown token encoding %q", encoding)
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load token encoding %q: %w", encoding, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in s, or -1 if s cannot be encoded.
func (tc *TokenCounter) Count(s string) int {
	ids, _, err := tc.codec.Encode(s)
	if err != nil {
		return -1
	}
	return len(ids)
}

// ExtractHeadings returns the text of every Markdown heading in document order.
func ExtractHeadings(markdown []byte) []string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(markdown))

	var headings []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		for child := heading.FirstChild(); child != nil; child = child.NextSibling() {
			if t, ok := child.(*ast.Text); ok {
				buf.Write(t.Segment.Value(markdown))
			}
		}
		if buf.Len() > 0 {
			headings = append(headings, buf.String())
		}
		return ast.WalkSkipChildren, nil
	})
	return headings
}

// Chunk is a piece of a page no longer than the configured token limit,
// prefixed with the headings it sits under.
type Chunk struct {
	Content          string
	HeadingHierarchy []string
	TokenCount       int
}

var headingLine = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// ChunkMarkdown splits markdown by headings and splits oversized sections
// recursively so that no chunk exceeds maxTokens.
func ChunkMarkdown(markdown string, tc *TokenCounter, maxTokens, overlap int) ([]Chunk, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, nil
	}

	recursive := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(maxTokens),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithLenFunc(tc.Count),
	)
	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithHeadingHierarchy(true),
		textsplitter.WithChunkSize(maxTokens),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSecondSplitter(recursive),
		textsplitter.WithLenFunc(tc.Count),
	)

	parts, err := splitter.SplitText(markdown)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		var hierarchy []string
		for _, m := range headingLine.FindAllStringSubmatch(part, -1) {
			if h := strings.TrimSpace(m[1]); h != "" {
				hierarchy = append(hierarchy, h)
			}
		}
		chunks = append(chunks, Chunk{
			Content:          part,
			HeadingHierarchy: hierarchy,
			TokenCount:       tc.Count(part),
		})
	}
	return chunks, nil
}
