package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

func TestNegotiate_EvidenceDetails(t *testing.T) {
	n := New()
	contract := contractWith(field("name", models.FieldRequired), field("email", models.FieldExpected))

	findings := models.NewFindings()
	findings.AddHit(models.Hit{Field: "name", Value: "a", AnchorID: "n_1", Confidence: 0.8, Validated: true})
	findings.AddHit(models.Hit{Field: "name", Value: "b", AnchorID: "n_2", Confidence: 0.92, Validated: true})
	findings.AddMiss(models.Miss{Field: "email", Reason: "no_candidates_found"})

	aug := &models.AugmentationResult{
		Completions: []models.Completion{
			{Field: "email", Value: "x@y.edu", Evidence: models.CompletionEvidence{AnchorID: "n_9"}, Confidence: 0.85},
		},
	}

	result := n.Negotiate(contract, findings, aug)
	require.Equal(t, models.NegotiationSuccess, result.Status)

	nameDetail, ok := result.Evidence.Details["name"]
	require.True(t, ok, "Per-field detail must be present")
	assert.Equal(t, 2, nameDetail.Support)
	assert.Equal(t, 2, nameDetail.DistinctAnchors)
	assert.Equal(t, 0.92, nameDetail.BestConfidence, "Best hit confidence is recorded")
	assert.True(t, nameDetail.FromTrackA)
	assert.False(t, nameDetail.FromTrackB)

	emailDetail, ok := result.Evidence.Details["email"]
	require.True(t, ok)
	assert.True(t, emailDetail.FromTrackB, "Completion-backed field is Track B evidence")
	assert.Equal(t, 1, emailDetail.Support)

	assert.NotEmpty(t, result.Evidence.PerKind, "Per-kind reliability breakdown must be present")
}

func TestNegotiate_CompletionConflictNoted(t *testing.T) {
	n := New()
	contract := contractWith(field("name", models.FieldRequired))

	findings := findingsWithSupport(map[string]int{"name": 3})
	aug := &models.AugmentationResult{
		Completions: []models.Completion{
			{Field: "name", Value: "Other Name", Evidence: models.CompletionEvidence{AnchorID: "n_5"}, Confidence: 0.9},
		},
	}

	result := n.Negotiate(contract, findings, aug)

	require.NotEmpty(t, result.Changes.Notes, "Evidence-first conflict must be surfaced")
	assert.Contains(t, result.Changes.Notes[0], "completion_ignored")
}

func TestNegotiate_StrictPolicyTightensPromotion(t *testing.T) {
	n := New()
	contract := contractWith(field("name", models.FieldRequired))
	contract.Governance.Policy = models.PolicyStrict
	contract.Governance.MinSupportThreshold = 3

	findings := findingsWithSupport(map[string]int{"name": 6})

	aug := &models.AugmentationResult{
		NewFields: []models.NewFieldProposal{
			// Поддержка 4 прошла бы evidence-first порог 3, но не строгий 6
			{Name: "weak", Type: models.TypeString, Support: 4,
				DOMAnchors: []string{"n_1", "n_2", "n_3", "n_4"}, Confidence: 0.85},
			{Name: "solid", Type: models.TypeString, Support: 7,
				DOMAnchors: []string{"n_a", "n_b", "n_c", "n_d", "n_e", "n_f", "n_g"}, Confidence: 0.85},
		},
		Normalizations: []models.Normalization{{From: "name", To: "full_name"}},
	}

	result := n.Negotiate(contract, findings, aug)

	_, weakOk := findField(result.FinalFields, "weak")
	assert.False(t, weakOk, "Strict policy doubles the promotion threshold")

	_, solidOk := findField(result.FinalFields, "solid")
	assert.True(t, solidOk, "Proposals above the strict threshold still promote")

	_, renamed := findField(result.FinalFields, "full_name")
	assert.False(t, renamed, "Strict policy drops normalizations")
	assert.Empty(t, result.Changes.Renamed)
}

func TestNegotiate_MinPromotionConfidence(t *testing.T) {
	n := NewWithOptions(&Options{
		DemotionShare:          0.3,
		StrictThresholdFactor:  2,
		MinPromotionConfidence: 0.7,
	})
	contract := contractWith(field("name", models.FieldRequired))
	findings := findingsWithSupport(map[string]int{"name": 5})

	aug := &models.AugmentationResult{
		NewFields: []models.NewFieldProposal{
			{Name: "shaky", Type: models.TypeString, Support: 4,
				DOMAnchors: []string{"n_1", "n_2", "n_3", "n_4"}, Confidence: 0.5},
		},
	}

	result := n.Negotiate(contract, findings, aug)

	_, ok := findField(result.FinalFields, "shaky")
	assert.False(t, ok, "Below the confidence floor the proposal is skipped")
	assert.NotEmpty(t, result.Changes.Notes)
}
