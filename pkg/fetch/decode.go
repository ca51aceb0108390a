package fetch

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// DecodeBody converts a text body to UTF-8 using the BOM, the Content-Type
// charset and, for HTML, the <meta> prescan. Bodies that merely look like
// the windows-1252 fallback but are valid UTF-8 are left alone.
// Returns the decoded body and the source charset name.
func DecodeBody(body []byte, contentType string) ([]byte, string, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || (!certain && utf8.Valid(body)) {
		return bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), "utf-8", nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, name, utils.WrapErrorf(utils.ErrEncoding, "decode %s: %v", name, err)
	}
	return out, name, nil
}

// isHTMLContentType reports whether a Content-Type denotes an HTML document.
// An empty type is given the benefit of the doubt.
func isHTMLContentType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}
