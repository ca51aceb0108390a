package parse

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod,omitempty"`
	ChangeFreq string `xml:"changefreq,omitempty"`
	Priority   string `xml:"priority,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Xmlns    string       `xml:"xmlns,attr,omitempty"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// Sitemap is either a url set or an index; exactly one field is non-nil.
type Sitemap struct {
	URLSet *XMLURLSet
	Index  *XMLSitemapIndex
}

// Locs returns every <loc> in document order.
func (s *Sitemap) Locs() []string {
	var locs []string
	if s.URLSet != nil {
		for _, u := range s.URLSet.URLs {
			locs = append(locs, u.Loc)
		}
	}
	if s.Index != nil {
		for _, sm := range s.Index.Sitemaps {
			locs = append(locs, sm.Loc)
		}
	}
	return locs
}

// RewriteLocs replaces each <loc> with fn(loc).
func (s *Sitemap) RewriteLocs(fn func(string) string) {
	if s.URLSet != nil {
		for i := range s.URLSet.URLs {
			s.URLSet.URLs[i].Loc = fn(s.URLSet.URLs[i].Loc)
		}
	}
	if s.Index != nil {
		for i := range s.Index.Sitemaps {
			s.Index.Sitemaps[i].Loc = fn(s.Index.Sitemaps[i].Loc)
		}
	}
}

// ParseSitemap decodes a sitemap or sitemap index document.
func ParseSitemap(body []byte) (*Sitemap, error) {
	var idx XMLSitemapIndex
	if err := xml.Unmarshal(body, &idx); err == nil {
		return &Sitemap{Index: &idx}, nil
	}
	var set XMLURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("%w: XML sitemap: %w", utils.ErrParsing, err)
	}
	return &Sitemap{URLSet: &set}, nil
}

// SitemapNamespace is the sitemaps.org schema namespace.
const SitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

// Marshal encodes the sitemap back to XML with a declaration.
func (s *Sitemap) Marshal() ([]byte, error) {
	var v any
	switch {
	case s.Index != nil:
		if s.Index.Xmlns == "" {
			s.Index.Xmlns = SitemapNamespace
		}
		v = s.Index
	case s.URLSet != nil:
		if s.URLSet.Xmlns == "" {
			s.URLSet.Xmlns = SitemapNamespace
		}
		v = s.URLSet
	default:
		return nil, fmt.Errorf("%w: XML sitemap is empty", utils.ErrParsing)
	}
	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: XML sitemap encode: %w", utils.ErrParsing, err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(out)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
