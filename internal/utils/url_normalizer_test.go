package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_BasicNormalization(t *testing.T) {
	n := NewURLNormalizer()

	canonical, err := n.Canonicalize("HTTPS://Example.COM:443/people/?b=2&a=1#section")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/people?a=1&b=2", canonical, "Scheme/host lowered, port and fragment dropped, query sorted")
}

func TestCanonicalize_StripsTrackingParams(t *testing.T) {
	n := NewURLNormalizer()

	canonical, err := n.Canonicalize("https://example.com/page?utm_source=mail&utm_campaign=x&id=5&fbclid=abc")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page?id=5", canonical, "Tracking params should not survive")
}

func TestCanonicalize_StripsSessionParams(t *testing.T) {
	n := NewURLNormalizer()

	canonical, err := n.Canonicalize("https://example.com/page?sessionid=xyz&q=test")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page?q=test", canonical)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	n := NewURLNormalizer()

	urls := []string{
		"https://Example.com/a/b/?z=1&a=2#frag",
		"http://site.org:80/",
		"https://example.com/people?utm_source=x",
	}

	for _, raw := range urls {
		once, err := n.Canonicalize(raw)
		require.NoError(t, err, "First pass for %s", raw)

		twice, err := n.Canonicalize(once)
		require.NoError(t, err, "Second pass for %s", raw)
		assert.Equal(t, once, twice, "Canonicalize must be idempotent for %s", raw)
	}
}

func TestCanonicalize_Errors(t *testing.T) {
	n := NewURLNormalizer()

	_, err := n.Canonicalize("")
	assert.Error(t, err, "Empty URL should error")

	_, err = n.Canonicalize("/relative/path")
	assert.Error(t, err, "Relative URL should error")
}

func TestNormalizeQuery_Idempotent(t *testing.T) {
	n := NewURLNormalizer()

	once := n.NormalizeQuery("  Extract   Faculty with NAME ")
	assert.Equal(t, "extract faculty with name", once)
	assert.Equal(t, once, n.NormalizeQuery(once), "NormalizeQuery must be idempotent")
}
