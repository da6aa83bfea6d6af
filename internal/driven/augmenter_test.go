package driven

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Extracton/internal/anchor"
	"github.com/BetterCallFirewall/Extracton/internal/limits"
	"github.com/BetterCallFirewall/Extracton/internal/llm"
	"github.com/BetterCallFirewall/Extracton/internal/models"
)

const augmenterHTML = `
<html><body>
	<div class="person"><h3 class="name">John Smith</h3><span class="office">Room 101</span></div>
	<div class="person"><h3 class="name">Jane Doe</h3><span class="office">Room 202</span></div>
	<div class="person"><h3 class="name">Alan Turing</h3><span class="office">Room 303</span></div>
</body></html>`

func augmenterFixture(t *testing.T) (*anchor.Index, *models.Contract) {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(augmenterHTML))
	require.NoError(t, err)

	idx := anchor.Build(doc, "https://example.edu/people")

	contract := &models.Contract{
		EntityName: "person",
		Mode:       models.ModeSoft,
		Governance: models.DefaultGovernance(),
		Fields: []models.FieldSpec{
			{Name: "name", Kind: models.FieldRequired, Type: models.TypeString},
			{Name: "office", Kind: models.FieldExpected, Type: models.TypeString},
		},
	}
	return idx, contract
}

func anchorIDByText(t *testing.T, idx *anchor.Index, text string) string {
	t.Helper()
	ids := idx.ByText(text)
	require.NotEmpty(t, ids, "Fixture must contain an anchor with text %q", text)
	return ids[0]
}

func TestAugment_ValidCompletionAccepted(t *testing.T) {
	idx, contract := augmenterFixture(t)
	officeAnchor := anchorIDByText(t, idx, "Room 101")

	provider := &fakeProvider{}
	provider.augmentFn = func(_ *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		resp := &llm.AugmentationResponse{
			Completions: []llm.CompletionPayload{{Field: "office", Value: "Room 101", Confidence: 0.99}},
		}
		resp.Completions[0].Evidence.AnchorID = officeAnchor
		return resp, nil
	}

	a := NewAugmenter(provider, nil, nil, true, true)
	result, _ := a.Augment(context.Background(), contract, models.NewFindings(), idx)

	require.Len(t, result.Completions, 1, "Truthful completion must survive round-trip")
	assert.Equal(t, "Room 101", result.Completions[0].Value)
	assert.Equal(t, 0.95, result.Completions[0].Confidence, "Model confidence capped at 0.95")
	assert.Zero(t, result.Rejected)
}

func TestAugment_InventedValueRejected(t *testing.T) {
	idx, contract := augmenterFixture(t)
	nameAnchor := anchorIDByText(t, idx, "John Smith")

	provider := &fakeProvider{}
	provider.augmentFn = func(_ *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		resp := &llm.AugmentationResponse{
			Completions: []llm.CompletionPayload{{Field: "office", Value: "Penthouse Suite", Confidence: 0.9}},
		}
		resp.Completions[0].Evidence.AnchorID = nameAnchor
		return resp, nil
	}

	a := NewAugmenter(provider, nil, nil, true, true)
	result, _ := a.Augment(context.Background(), contract, models.NewFindings(), idx)

	assert.Empty(t, result.Completions, "Value not derivable from the cited anchor must be dropped")
	assert.Equal(t, 1, result.Rejected)
}

func TestAugment_UnknownAnchorRejected(t *testing.T) {
	idx, contract := augmenterFixture(t)

	provider := &fakeProvider{}
	provider.augmentFn = func(_ *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		resp := &llm.AugmentationResponse{
			Completions: []llm.CompletionPayload{{Field: "office", Value: "Room 101", Confidence: 0.9}},
		}
		resp.Completions[0].Evidence.AnchorID = "n_99999999"
		return resp, nil
	}

	a := NewAugmenter(provider, nil, nil, true, true)
	result, _ := a.Augment(context.Background(), contract, models.NewFindings(), idx)

	assert.Empty(t, result.Completions, "Anchor not present in the index kills the proposal")
	assert.Equal(t, 1, result.Rejected)
}

func TestAugment_NewFieldNeedsDistinctVerifiedAnchors(t *testing.T) {
	idx, contract := augmenterFixture(t)

	offices := []string{
		anchorIDByText(t, idx, "Room 101"),
		anchorIDByText(t, idx, "Room 202"),
		anchorIDByText(t, idx, "Room 303"),
	}

	provider := &fakeProvider{}
	provider.augmentFn = func(_ *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		return &llm.AugmentationResponse{
			NewFields: []llm.NewFieldPayload{
				{Name: "Office Location", Type: "string", Support: 3, DOMAnchors: offices, Confidence: 0.99},
				{Name: "phantom", Type: "string", Support: 3, DOMAnchors: []string{"n_x", "n_y", "n_z"}},
			},
		}, nil
	}

	a := NewAugmenter(provider, nil, nil, true, true)
	result, _ := a.Augment(context.Background(), contract, models.NewFindings(), idx)

	require.Len(t, result.NewFields, 1, "Only the proposal with verifiable anchors survives")
	nf := result.NewFields[0]
	assert.Equal(t, "office_location", nf.Name, "Proposed names are normalized to snake_case")
	assert.Equal(t, 3, nf.Support)
	assert.Equal(t, 0.90, nf.Confidence, "New field confidence capped at 0.90")
	assert.Equal(t, 1, result.Rejected)
}

func TestAugment_ProviderErrorYieldsEmptyResult(t *testing.T) {
	idx, contract := augmenterFixture(t)

	provider := &fakeProvider{}
	provider.augmentFn = func(_ *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		return nil, errors.New("model unavailable")
	}

	breaker := limits.NewCircuitBreaker(&limits.CircuitBreakerOptions{
		FailureThreshold: 1,
		RollingWindow:    limits.DefaultCircuitBreakerOptions().RollingWindow,
		CooldownPeriod:   limits.DefaultCircuitBreakerOptions().CooldownPeriod,
		HalfOpenProbes:   1,
	})

	a := NewAugmenter(provider, breaker, nil, true, true)
	result, tokens := a.Augment(context.Background(), contract, models.NewFindings(), idx)

	assert.True(t, result.Empty(), "Model failure degrades to empty augmentation")
	assert.Zero(t, tokens)
	assert.Equal(t, limits.BreakerOpen, breaker.State(), "Failure must be recorded in the breaker")

	// Открытый breaker пропускает следующий вызов мимо модели
	before := provider.augmentCalls.Load()
	result, _ = a.Augment(context.Background(), contract, models.NewFindings(), idx)
	assert.True(t, result.Empty())
	assert.Equal(t, before, provider.augmentCalls.Load(), "Open breaker must skip the provider")
}

func TestAugment_DisabledReturnsEmpty(t *testing.T) {
	idx, contract := augmenterFixture(t)

	provider := &fakeProvider{}
	a := NewAugmenter(provider, nil, nil, false, true)

	result, tokens := a.Augment(context.Background(), contract, models.NewFindings(), idx)
	assert.True(t, result.Empty())
	assert.Zero(t, tokens)
	assert.Zero(t, provider.augmentCalls.Load(), "Disabled augmenter never calls the model")
}

func TestAugment_ModelSeesOnlyAnchorDiscipline(t *testing.T) {
	idx, contract := augmenterFixture(t)

	findings := models.NewFindings()
	findings.AddMiss(models.Miss{Field: "office", Reason: "no_candidates_found", SelectorsTried: []string{".office", "dt+dd"}})

	var captured *llm.AugmentationRequest
	provider := &fakeProvider{}
	provider.augmentFn = func(req *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		captured = req
		return &llm.AugmentationResponse{}, nil
	}

	a := NewAugmenter(provider, nil, nil, true, true)
	a.Augment(context.Background(), contract, findings, idx)

	require.NotNil(t, captured)
	assert.LessOrEqual(t, len(captured.AnchorSamples), 5, "Default sample size is 5")

	for _, sample := range captured.AnchorSamples {
		assert.LessOrEqual(t, len(sample.TextPreview), 100, "Previews for the model are capped at 100 chars")
	}

	for _, entry := range captured.FindingSummary {
		if entry.Field == "office" {
			assert.True(t, entry.Missing)
			assert.Equal(t, "no_candidates_found", entry.Reason)
		}
	}

	// Селекторы в запрос к модели не попадают
	for _, entry := range captured.FindingSummary {
		assert.NotContains(t, entry.Reason, ".office")
	}
}

func TestAugment_NormalizationsPassThrough(t *testing.T) {
	idx, contract := augmenterFixture(t)

	provider := &fakeProvider{}
	provider.augmentFn = func(_ *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		return &llm.AugmentationResponse{
			Normalizations: []llm.NormalizationPayload{
				{From: "office", To: "office_location", Reasoning: "snake_case"},
				{From: "", To: "broken"},
			},
		}, nil
	}

	a := NewAugmenter(provider, nil, nil, true, true)
	result, _ := a.Augment(context.Background(), contract, models.NewFindings(), idx)

	require.Len(t, result.Normalizations, 1, "Normalizations need no anchors but must be well-formed")
	assert.Equal(t, "office", result.Normalizations[0].From)
	assert.Equal(t, 1, result.Rejected)
}
