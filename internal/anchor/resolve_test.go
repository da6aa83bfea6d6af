package anchor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ThroughSelectorList(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	idx.Each(func(a *Anchor) bool {
		resolved := idx.Resolve(a.ID)
		require.NotNil(t, resolved, "Anchor %s (%s) must re-resolve on the same DOM", a.ID, a.PrimarySelector)

		if a.TextPreview != "" {
			assert.Equal(t, a.TextPreview, collapsePreview(resolved.Text()),
				"Re-resolved element must carry the anchor's text")
		}
		return true
	})
}

func TestResolve_UnknownAnchor(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")
	assert.Nil(t, idx.Resolve("n_99999999"), "Unknown anchor must not resolve")
}

func TestResolve_RepeatedClassPicksRightElement(t *testing.T) {
	// Три элемента с одним классовым селектором: резолюция обязана
	// вернуть именно процитированный, не первый попавшийся
	html := `<html><body>
		<span class="office">Room 101</span>
		<span class="office">Room 202</span>
		<span class="office">Room 303</span>
	</body></html>`
	idx := Build(mustDoc(t, html), "https://example.edu")

	ids := idx.ByText("Room 202")
	require.Len(t, ids, 1)

	resolved := idx.Resolve(ids[0])
	require.NotNil(t, resolved)
	assert.Equal(t, "Room 202", strings.TrimSpace(resolved.Text()))
}

func TestContextOf_PrecedingLabel(t *testing.T) {
	html := `<html><body>
		<dl><dt>Office</dt><dd>Room 101</dd></dl>
		<div><strong>Phone:</strong> <span>555-0100</span></div>
		<p>standalone text</p>
	</body></html>`
	idx := Build(mustDoc(t, html), "https://example.edu")

	ddIDs := idx.ByText("Room 101")
	require.NotEmpty(t, ddIDs)
	ctx := idx.ContextOf(ddIDs[0])
	assert.Equal(t, "Office", ctx.PrecedingLabel, "dt label must be attached to the dd value")
	assert.Equal(t, "dl", ctx.ParentType)

	spanIDs := idx.ByText("555-0100")
	require.NotEmpty(t, spanIDs)
	ctx = idx.ContextOf(spanIDs[0])
	assert.Equal(t, "Phone", ctx.PrecedingLabel, "Colon is trimmed from the label")

	pIDs := idx.ByText("standalone text")
	require.NotEmpty(t, pIDs)
	ctx = idx.ContextOf(pIDs[0])
	assert.Empty(t, ctx.PrecedingLabel, "No label for standalone content")
}

func TestValidate_HealthyIndex(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")
	assert.Empty(t, idx.Validate(), "A freshly built index must satisfy its own invariants")
}

func TestValidate_EmptyIndex(t *testing.T) {
	idx := Build(nil, "https://example.com")
	assert.Empty(t, idx.Validate(), "An empty index is trivially consistent")
}

func TestStats_Summary(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	stats := idx.Stats()
	assert.Equal(t, idx.Len(), stats.Anchors)
	assert.GreaterOrEqual(t, stats.WithID, 1, "The #smith div carries an id")
	assert.Greater(t, stats.MeanStability, 0.5)
	assert.Greater(t, stats.ByElementType["h3"], 0)
}

func TestSample_TypeDiversity(t *testing.T) {
	idx := Build(mustDoc(t, facultyHTML), "https://example.edu/faculty")

	samples := idx.Sample(6, 100)
	require.Len(t, samples, 6)

	types := make(map[string]bool)
	for _, s := range samples {
		types[s.ElementType] = true
		assert.True(t, idx.Contains(s.AnchorID))
	}
	assert.GreaterOrEqual(t, len(types), 2, "Sample must cover more than one element type")
}
