package anchor

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const facultyHTML = `
<html>
<head><title>Faculty</title><script>var x = 1;</script></head>
<body>
	<nav class="menu"><a href="/home">Home</a></nav>
	<div class="faculty" id="smith">
		<h3>John Smith</h3>
		<p class="title">Professor of Physics</p>
		<a href="mailto:smith@example.edu">smith@example.edu</a>
	</div>
	<div class="faculty">
		<h3>Jane Doe</h3>
		<p class="title">Associate Professor</p>
		<a href="mailto:doe@example.edu">doe@example.edu</a>
	</div>
	<footer><p>Call us: 555-0100</p></footer>
</body>
</html>`

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err, "Test document must parse")
	return doc
}

func TestBuild_IndexesContentElements(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	require.Greater(t, idx.Len(), 5, "Should index the content-bearing elements")
	assert.Equal(t, "https://example.edu/faculty", idx.URL())

	// script/style/head не индексируются
	idx.Each(func(a *Anchor) bool {
		assert.NotContains(t, []string{"script", "style", "head", "meta", "link"}, a.ElementType)
		return true
	})
}

func TestBuild_EmptyDocument(t *testing.T) {
	idx := Build(mustDoc(t, ""), "https://example.com")
	assert.Equal(t, 0, idx.Len(), "Empty document should produce empty index")

	idx = Build(nil, "https://example.com")
	assert.Equal(t, 0, idx.Len(), "Nil document should produce empty index")
}

func TestBuild_AnchorIDsAreInjective(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	seen := make(map[string]bool)
	idx.Each(func(a *Anchor) bool {
		assert.False(t, seen[a.ID], "Anchor ID %s must be unique", a.ID)
		seen[a.ID] = true
		return true
	})
}

func TestBuild_PrimarySelectorReverseMapping(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	idx.Each(func(a *Anchor) bool {
		ids := idx.BySelector(a.PrimarySelector)
		assert.Contains(t, ids, a.ID, "Primary selector %s must map back to anchor %s", a.PrimarySelector, a.ID)
		return true
	})
}

func TestBuild_DocumentOrder(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	var texts []string
	idx.Each(func(a *Anchor) bool {
		texts = append(texts, a.TextPreview)
		return true
	})

	smithAt := -1
	doeAt := -1
	for i, text := range texts {
		if text == "John Smith" {
			smithAt = i
		}
		if text == "Jane Doe" {
			doeAt = i
		}
	}

	require.NotEqual(t, -1, smithAt, "John Smith heading must be indexed")
	require.NotEqual(t, -1, doeAt, "Jane Doe heading must be indexed")
	assert.Less(t, smithAt, doeAt, "Iteration must follow document order")
}

func TestBuild_IDSelectorPreferred(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	ids := idx.BySelector("#smith")
	require.Len(t, ids, 1, "Element with unique id should use #id as primary selector")

	a, ok := idx.ByID(ids[0])
	require.True(t, ok)
	assert.GreaterOrEqual(t, a.Stability, 0.8, "id + class + text should push stability high")
}

func TestBuild_StabilityScores(t *testing.T) {
	html := `<html><body>
		<div id="stable" class="card" data-kind="x">Anchored</div>
		<p>plain text</p>
	</body></html>`
	idx := Build(mustDoc(t, html), "https://example.com")

	var withID, plain *Anchor
	idx.Each(func(a *Anchor) bool {
		switch a.TextPreview {
		case "Anchored":
			withID = a
		case "plain text":
			plain = a
		}
		return true
	})

	require.NotNil(t, withID)
	require.NotNil(t, plain)
	assert.Equal(t, 1.0, withID.Stability, "id + class + data-* + text should clamp to 1.0")
	assert.Equal(t, 0.6, plain.Stability, "Plain text element gets base 0.5 + 0.1")
}

func TestByText(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	ids := idx.ByText("John Smith")
	require.NotEmpty(t, ids, "Text lookup should find the h3")

	a, ok := idx.ByID(ids[0])
	require.True(t, ok)
	assert.Equal(t, "John Smith", a.TextPreview)

	assert.Empty(t, idx.ByText("no such text anywhere"), "Unknown text should find nothing")
}

func TestByXPath(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	found := false
	idx.Each(func(a *Anchor) bool {
		ids := idx.ByXPath(a.XPath)
		assert.Contains(t, ids, a.ID, "XPath map must be consistent")
		found = true
		return true
	})
	assert.True(t, found)
}

func TestSample_StratifiedAndBounded(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	samples := idx.Sample(3, 100)
	require.Len(t, samples, 3, "Sample should honor requested size")

	for _, s := range samples {
		assert.True(t, idx.Contains(s.AnchorID), "Sample must cite indexed anchors")
		assert.LessOrEqual(t, len(s.TextPreview), 100, "Preview must respect the limit")
		assert.NotEmpty(t, s.ElementType)
	}

	all := idx.Sample(1000, 100)
	assert.Equal(t, idx.Len(), len(all), "Oversized request returns every anchor")
}

func TestBuild_VolatileClassesExcluded(t *testing.T) {
	html := `<html><body><div class="css-1a2b3c4 card">Styled</div></body></html>`
	idx := Build(mustDoc(t, html), "https://example.com")

	ids := idx.ByText("Styled")
	require.NotEmpty(t, ids)

	a, _ := idx.ByID(ids[0])
	for _, sel := range a.Selectors {
		assert.NotContains(t, sel, "css-1a2b3c4", "Volatile classes must not appear in selectors")
	}
}

func TestElement_ReExtraction(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	ids := idx.ByText("Professor of Physics")
	require.NotEmpty(t, ids)

	a, ok := idx.ByID(ids[0])
	require.True(t, ok)
	require.NotNil(t, a.Element(), "Anchor must retain its element reference")
	assert.Equal(t, "Professor of Physics", strings.TrimSpace(a.Element().Text()))
}
