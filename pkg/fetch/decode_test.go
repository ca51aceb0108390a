package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
		wantCharset string
	}{
		{"utf-8 declared", []byte("héllo"), "text/html; charset=utf-8", "héllo", "utf-8"},
		{"utf-8 undeclared css", []byte("a::after{content:\"→\"}"), "text/css", "a::after{content:\"→\"}", "utf-8"},
		{"bom stripped", []byte("\xef\xbb\xbfbody{}"), "text/css", "body{}", "utf-8"},
		{"latin1 declared", []byte("caf\xe9"), "text/html; charset=iso-8859-1", "café", "windows-1252"},
		{"meta prescan", []byte(`<html><head><meta charset="iso-8859-1"></head><body>caf` + "\xe9" + `</body></html>`), "text/html", `<html><head><meta charset="iso-8859-1"></head><body>café</body></html>`, "windows-1252"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, name, err := DecodeBody(tt.body, tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.wantCharset, name)
		})
	}
}

func TestIsHTMLContentType(t *testing.T) {
	assert.True(t, isHTMLContentType(""))
	assert.True(t, isHTMLContentType("text/html; charset=utf-8"))
	assert.True(t, isHTMLContentType("application/xhtml+xml"))
	assert.False(t, isHTMLContentType("image/png"))
	assert.False(t, isHTMLContentType("application/pdf"))
}
