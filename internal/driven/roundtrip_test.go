package driven

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

func TestRoundTripStrategies_Email(t *testing.T) {
	s := emailStrategy{}

	ok, score := s.Check("smith@example.edu", "Email: SMITH@example.edu")
	assert.True(t, ok, "Case and surrounding text must not matter for emails")
	assert.Equal(t, 1.0, score)

	ok, _ = s.Check("smith@example.edu", "smith@example.com")
	assert.False(t, ok, "Different TLD is a different address, the classic hallucination")

	ok, _ = s.Check("smith@example.edu", "John Smith")
	assert.False(t, ok, "No address in the reextracted text")
}

func TestRoundTripStrategies_Phone(t *testing.T) {
	s := phoneStrategy{}

	ok, score := s.Check("+1 (555) 010-0100", "15550100100")
	assert.True(t, ok, "Formatting must not matter for phones")
	assert.Equal(t, 1.0, score)

	ok, _ = s.Check("555 010 0100", "+1 555 010 0100")
	assert.True(t, ok, "Missing country code is a suffix match")

	ok, _ = s.Check("+1 555 010 0100", "+1 555 010 9999")
	assert.False(t, ok)
}

func TestRoundTripStrategies_URL(t *testing.T) {
	s := urlStrategy{}

	ok, _ := s.Check("https://example.com/page/", "http://EXAMPLE.com/page")
	assert.True(t, ok, "Scheme, trailing slash and host case must not matter")

	ok, _ = s.Check("/people/smith", "https://example.edu/people/smith")
	assert.True(t, ok, "Relative path matches the absolute URL tail")

	ok, _ = s.Check("https://example.com/a", "https://example.com/b")
	assert.False(t, ok)
}

func TestRoundTripStrategies_Number(t *testing.T) {
	s := numberStrategy{}

	ok, _ := s.Check("1,200", "1200.00")
	assert.True(t, ok, "Thousand separators and decimals are representation")

	ok, _ = s.Check("1200", "1300")
	assert.False(t, ok, "Different numbers must not pass")
}

func TestRoundTripStrategies_Date(t *testing.T) {
	s := dateStrategy{}

	ok, _ := s.Check("2024-01-15", "January 15, 2024")
	assert.True(t, ok, "Same calendar day in different formats")

	ok, _ = s.Check("2024-01-15", "2024-01-16")
	assert.False(t, ok)
}

func TestRoundTripStrategies_RichTextTokenOverlap(t *testing.T) {
	s := tokenOverlapStrategy{minJaccard: 0.6, minContainment: 0.85}

	claimed := "Research in quantum computing and error correction"
	reextracted := "Error correction and research in quantum computing"
	ok, _ := s.Check(claimed, reextracted)
	assert.True(t, ok, "Word order must not matter for long text")

	ok, _ = s.Check("Completely different topic entirely", reextracted)
	assert.False(t, ok)
}

func TestStrategyChainFor_TypeSpecific(t *testing.T) {
	assert.Equal(t, "email", strategyChainFor(models.TypeEmail)[0].Name())
	assert.Equal(t, "phone", strategyChainFor(models.TypePhone)[0].Name())
	assert.Equal(t, "url", strategyChainFor(models.TypeURL)[0].Name())
	assert.Equal(t, "url", strategyChainFor(models.TypeImage)[0].Name())
	assert.Equal(t, "number", strategyChainFor(models.TypeNumber)[0].Name())
	assert.Equal(t, "date", strategyChainFor(models.TypeDate)[0].Name())

	// Строковая цепочка заканчивается порогом Levenshtein
	chain := strategyChainFor(models.TypeString)
	require.Len(t, chain, 3)
	assert.Equal(t, "levenshtein", chain[2].Name())
}

func TestVerifier_TypeSpecificReextraction(t *testing.T) {
	html := `<html><body>
		<div class="person">
			<h3 class="name">John Smith</h3>
			<a class="mail" href="mailto:smith@example.edu">Contact</a>
		</div>
		<div class="person">
			<h3 class="name">Jane Doe</h3>
			<a class="mail" href="mailto:doe@example.edu">Contact</a>
		</div>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	idx := anchor.Build(doc, "https://example.edu")

	mailIDs := idx.ByText("Contact")
	require.NotEmpty(t, mailIDs)
	mailAnchor, _ := idx.ByID(mailIDs[0])

	v := &roundTripVerifier{validate: true}

	// Email тип перечитывает href, а не текст "Contact"
	outcome := v.verifyValue("completion", "email", "smith@example.edu", models.TypeEmail, mailAnchor, idx)
	assert.True(t, outcome.Accepted, "Email strategy must read the mailto href: %s", outcome.Reason)
	assert.Equal(t, "email", outcome.Strategy)

	// Строковая стратегия тот же анкер с тем же значением отвергла бы:
	// "Contact" ничем не похож на адрес
	outcome = v.verifyValue("completion", "email", "smith@example.edu", models.TypeString, mailAnchor, idx)
	assert.False(t, outcome.Accepted, "String chain must not accept an address against link text")
}

func TestVerifier_DisabledAcceptsEverything(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><p class="x">anything</p></body></html>`))
	require.NoError(t, err)
	idx := anchor.Build(doc, "https://example.com")

	ids := idx.ByText("anything")
	require.NotEmpty(t, ids)
	a, _ := idx.ByID(ids[0])

	v := &roundTripVerifier{validate: false}
	outcome := v.verifyValue("completion", "field", "totally unrelated", models.TypeString, a, idx)

	assert.True(t, outcome.Accepted)
	assert.Equal(t, "validation_disabled", outcome.Strategy)
}

func TestRoundTripReport_Counts(t *testing.T) {
	report := &RoundTripReport{}
	report.add(RoundTripOutcome{Accepted: true})
	report.add(RoundTripOutcome{Accepted: false, Reason: "x"})
	report.add(RoundTripOutcome{Accepted: false, Reason: "y"})

	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 2, report.Rejected)
	assert.Len(t, report.Outcomes, 3)
}
