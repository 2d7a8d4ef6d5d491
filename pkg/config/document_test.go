package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

const orderDocument = `
id: "42"
name: order-detail
version: "3"
method: get
path: /proxy/orders/detail
input:
  debug: true
  headers:
    - field: x-user-id
      rule: required,numeric
  locale:
    path: input.request.headers.accept-language
    supported: [en, zh]
    default: en
steps:
  - name: user
    sources:
      profile:
        type: http
        condition: "ctx.input.request.params.id !== undefined"
        url: http://users/profile
        timeout: 2s
      avatar:
        type: static
        body: {url: "https://cdn/a.png"}
    response:
      mapping:
        name: user.requests.profile.response.body.name
  - stop: true
    sources: {}
response:
  headers:
    fixed: {x-aggregated: "true"}
`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(orderDocument))
	require.NoError(t, err)

	assert.Equal(t, "42", doc.ID)
	assert.Equal(t, "GET", doc.Method)
	assert.Equal(t, domain.NewResourceKey("GET", "/proxy/orders/detail"), doc.Key())
	require.NotNil(t, doc.Input)
	assert.True(t, doc.Input.Debug)
	require.Len(t, doc.Input.Headers, 1)
	assert.Equal(t, "required,numeric", doc.Input.Headers[0].Rule)

	require.Len(t, doc.Steps, 2)
	step := doc.Steps[0]
	assert.Equal(t, []string{"profile", "avatar"}, step.SourceNames())

	profile := step.Sources["profile"]
	assert.Equal(t, "http", profile.Type)
	assert.Equal(t, "ctx.input.request.params.id !== undefined", profile.Condition)
	assert.Equal(t, map[string]any{"url": "http://users/profile", "timeout": "2s"}, profile.Raw)

	assert.True(t, doc.Steps[1].Stop)
	assert.Equal(t, "true", doc.Response.Headers.Fixed["x-aggregated"])
}

func TestParseDocumentsStream(t *testing.T) {
	docs, err := ParseDocuments([]byte("id: a\nmethod: GET\npath: /a\n---\nid: b\nmethod: POST\npath: /b\n"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1].ID)

	_, err = ParseDocument([]byte("id: a\nmethod: GET\npath: /a\n---\nid: b\nmethod: POST\npath: /b\n"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestParseDocumentRejectsUntypedSource(t *testing.T) {
	_, err := ParseDocument([]byte("method: GET\npath: /a\nsteps:\n  - sources:\n      x: {url: http://a}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.ErrorContains(t, err, "source type is required")
}

func TestParseDocumentAcceptsJSON(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"id":"j","method":"post","path":"/j","steps":[{"name":"s","sources":{"a":{"type":"static","body":1}}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "POST", doc.Method)
	assert.Equal(t, map[string]any{"body": 1}, doc.Steps[0].Sources["a"].Raw)
}

func TestEncodeDocumentRoundTrip(t *testing.T) {
	doc, err := ParseDocument([]byte(orderDocument))
	require.NoError(t, err)

	data, err := EncodeDocument(doc)
	require.NoError(t, err)

	again, err := ParseDocument(data)
	require.NoError(t, err)
	assert.Equal(t, doc.Key(), again.Key())
	assert.Equal(t, doc.Steps[0].Sources["profile"], again.Steps[0].Sources["profile"])
	assert.Equal(t, doc.Input.Locale, again.Input.Locale)
}
