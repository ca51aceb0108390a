package resource

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawResource_CloneDropsNonScalarMeta(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<p>hi</p>"))
	require.NoError(t, err)

	r := RawResource{
		Type: Html,
		URL:  "https://a.com/",
		Body: []byte("<p>hi</p>"),
		Meta: Meta{
			ContentType: "text/html",
			StatusCode:  200,
			Streamed:    true,
			Doc:         doc,
			Headers:     http.Header{"X-Test": {"1"}},
		},
	}

	c := r.Clone()
	assert.Equal(t, "text/html", c.Meta.ContentType)
	assert.Equal(t, 200, c.Meta.StatusCode)
	assert.True(t, c.Meta.Streamed)
	assert.Nil(t, c.Meta.Doc)
	assert.Nil(t, c.Meta.Headers)

	c.Body[0] = 'X'
	assert.Equal(t, byte('<'), r.Body[0], "clone must not share the body")

	nb := r.CloneWithoutBody()
	assert.Nil(t, nb.Body)
	assert.NotNil(t, r.Meta.Doc, "original keeps its document")
}

func TestRawResource_JSONSkipsBodyAndDocument(t *testing.T) {
	r := RawResource{Type: Css, URL: "https://a.com/s.css", Body: []byte("body{}"), Meta: Meta{ContentType: "text/css", Headers: http.Header{"A": {"b"}}}}
	out, err := json.Marshal(&r)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "body{}")
	assert.NotContains(t, string(out), "downloadStartTimestamp")
	assert.Contains(t, string(out), `"type":"css"`)

	var back RawResource
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, Css, back.Type)
	assert.Equal(t, "text/css", back.Meta.ContentType)
	assert.Nil(t, back.Body)
}

func TestRawResource_Timings(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := RawResource{CreateTimestamp: created}
	assert.Zero(t, r.WaitTime())
	assert.Zero(t, r.DownloadTime())

	r.DownloadStartTimestamp = created.Add(2 * time.Second)
	r.FinishTimestamp = created.Add(5 * time.Second)
	assert.Equal(t, 2*time.Second, r.WaitTime())
	assert.Equal(t, 3*time.Second, r.DownloadTime())
}

func TestRawResource_EffectiveURL(t *testing.T) {
	r := RawResource{URL: "https://a.com/old"}
	assert.Equal(t, "https://a.com/old", r.EffectiveURL())
	r.RedirectedURL = "https://a.com/new/"
	assert.Equal(t, "https://a.com/new/", r.EffectiveURL())
}

func TestFromRaw(t *testing.T) {
	created, err := Create(Params{Type: Html, URL: "b.html#k", RefURL: "https://a.com/x/a.html"}, Options{LocalRoot: "out"})
	require.NoError(t, err)

	r, err := FromRaw(created.Clone())
	require.NoError(t, err)
	assert.Equal(t, "a.com", r.Host)
	assert.Equal(t, "/x/b.html", r.URI.Path)
	assert.Equal(t, "/x/a.html", r.RefURI.Path)
	assert.Equal(t, "k", r.ReplaceURI.Fragment)

	_, err = FromRaw(RawResource{URL: "http://a.com/%zz"})
	assert.Error(t, err)
}

func TestAsDownloaded(t *testing.T) {
	r := &Resource{RawResource: RawResource{URL: "https://a.com/"}}
	_, ok := AsDownloaded(r)
	assert.False(t, ok)

	r.Body = []byte{}
	d, ok := AsDownloaded(r)
	require.True(t, ok, "an empty body is still a body")
	assert.Same(t, r, d.Resource)
}

func TestType(t *testing.T) {
	for _, typ := range []Type{Binary, Html, Css, CssInline, Svg, SiteMap, StreamingBinary} {
		parsed, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseType("video")
	assert.Error(t, err)

	assert.True(t, Html.IsText())
	assert.True(t, CssInline.IsText())
	assert.False(t, Binary.IsText())
	assert.False(t, StreamingBinary.IsText())
}
