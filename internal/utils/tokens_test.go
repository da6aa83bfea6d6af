package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenJaccard(t *testing.T) {
	assert.Equal(t, 1.0, TokenJaccard("quantum computing", "Computing, quantum!"), "Order and punctuation must not matter")
	assert.Equal(t, 0.0, TokenJaccard("alpha beta", "gamma delta"))
	assert.Equal(t, 1.0, TokenJaccard("", ""))
	assert.Equal(t, 0.0, TokenJaccard("word", ""))
}

func TestTokenContainment(t *testing.T) {
	assert.Equal(t, 1.0, TokenContainment("error correction", "research in quantum error correction methods"))
	assert.Equal(t, 0.5, TokenContainment("error elsewhere", "error correction"))
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "15550100100", DigitsOnly("+1 (555) 010-0100"))
	assert.Equal(t, "", DigitsOnly("no digits"))
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "smith@example.edu", ExtractEmail("Contact: Smith@Example.edu (office hours)"))
	assert.Equal(t, "", ExtractEmail("no address here"))
}

func TestExtractNumber(t *testing.T) {
	n, ok := ExtractNumber("Price: 1,200.50 USD")
	assert.True(t, ok)
	assert.Equal(t, 1200.5, n)

	n, ok = ExtractNumber("-42")
	assert.True(t, ok)
	assert.Equal(t, -42.0, n)

	_, ok = ExtractNumber("no numbers")
	assert.False(t, ok)
}

func TestNormalizeURLForComparison(t *testing.T) {
	assert.Equal(t, "example.com/Page", NormalizeURLForComparison("https://EXAMPLE.com/Page/"))
	assert.Equal(t, "example.com/Page", NormalizeURLForComparison("//Example.com/Page"))
	assert.Equal(t, "example.com", NormalizeURLForComparison("http://example.com/"))
}
