package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/BetterCallFirewall/Extracton/internal/models"
)

// TestParseAugmentationResponse verifies that the strict response schema parses
// all three top-level arrays
func TestParseAugmentationResponse(t *testing.T) {
	jsonResponse := `{
		"completions": [
			{
				"field": "email",
				"value": "smith@example.edu",
				"evidence": {"anchor_id": "n_14852"},
				"confidence": 0.87
			}
		],
		"new_fields": [
			{
				"name": "research_area",
				"type": "string",
				"support": 6,
				"dom_anchors": ["n_1", "n_2", "n_3", "n_4", "n_5", "n_6"],
				"confidence": 0.8,
				"reasoning": "six repeated spans expose a research area"
			}
		],
		"normalizations": [
			{"from": "e-mail", "to": "email", "reasoning": "idiomatic name"}
		]
	}`

	var response AugmentationResponse
	err := json.Unmarshal([]byte(jsonResponse), &response)
	if err != nil {
		t.Fatalf("Failed to parse augmentation response: %v", err)
	}

	if len(response.Completions) != 1 {
		t.Fatalf("Expected 1 completion, got %d", len(response.Completions))
	}
	completion := response.Completions[0]
	if completion.Field != "email" {
		t.Errorf("Expected completion field 'email', got '%s'", completion.Field)
	}
	if completion.Evidence.AnchorID != "n_14852" {
		t.Errorf("Expected anchor 'n_14852', got '%s'", completion.Evidence.AnchorID)
	}

	if len(response.NewFields) != 1 {
		t.Fatalf("Expected 1 new field, got %d", len(response.NewFields))
	}
	if len(response.NewFields[0].DOMAnchors) != 6 {
		t.Errorf("Expected 6 dom_anchors, got %d", len(response.NewFields[0].DOMAnchors))
	}

	if len(response.Normalizations) != 1 {
		t.Fatalf("Expected 1 normalization, got %d", len(response.Normalizations))
	}
	if response.Normalizations[0].To != "email" {
		t.Errorf("Expected normalization target 'email', got '%s'", response.Normalizations[0].To)
	}
}

// TestParseContractResponse verifies contract proposal parsing including abstention
func TestParseContractResponse(t *testing.T) {
	jsonResponse := `{
		"entity_name": "person",
		"fields": [
			{"name": "name", "type": "string", "kind": "required"},
			{"name": "email", "type": "email", "kind": "expected"}
		],
		"allow_new_fields": true
	}`

	var response ContractResponse
	if err := json.Unmarshal([]byte(jsonResponse), &response); err != nil {
		t.Fatalf("Failed to parse contract response: %v", err)
	}

	if response.EntityName != "person" {
		t.Errorf("Expected entity 'person', got '%s'", response.EntityName)
	}
	if len(response.Fields) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(response.Fields))
	}
	if !response.AllowNewFields {
		t.Error("Expected allow_new_fields to be true")
	}

	var abstained ContractResponse
	if err := json.Unmarshal([]byte(`{"entity_name": "", "fields": [], "allow_new_fields": false, "abstain": true}`), &abstained); err != nil {
		t.Fatalf("Failed to parse abstention: %v", err)
	}
	if !abstained.Abstain {
		t.Error("Expected abstain flag to parse")
	}
}

func TestBuildAugmentationPrompt_AnchorDiscipline(t *testing.T) {
	req := &AugmentationRequest{
		EntityName: "person",
		FindingSummary: []FindingSummaryEntry{
			{Field: "email", Kind: "expected", Support: 0, Missing: true, Reason: "no_candidates_found"},
		},
		AnchorSamples: []models.AnchorSample{
			{AnchorID: "n_42", TextPreview: "John Smith", ElementType: "h3"},
		},
		MinSupport: 3,
	}

	prompt := BuildAugmentationPrompt(req)

	if !strings.Contains(prompt, "n_42") {
		t.Error("Prompt must include the anchor sample IDs")
	}
	if !strings.Contains(prompt, "NEVER fabricate") {
		t.Error("Prompt must forbid invention")
	}
	if !strings.Contains(prompt, "3") {
		t.Error("Prompt must state the min support threshold")
	}
	if strings.Contains(prompt, "selector") || strings.Contains(prompt, "xpath") {
		t.Error("Prompt must not mention selectors or xpaths")
	}
}

func TestBuildContractPrompt_TruncatesSample(t *testing.T) {
	req := &ContractRequest{
		Query:         "extract people",
		ContentSample: strings.Repeat("long content ", 500),
	}

	prompt := BuildContractPrompt(req)
	if len(prompt) > 4000 {
		t.Errorf("Prompt too large: %d chars, content sample must be truncated", len(prompt))
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello", 10); got != "hello" {
		t.Errorf("Short string must pass through, got %q", got)
	}
	if got := TruncateString("hello world", 5); got != "hello..." {
		t.Errorf("Expected 'hello...', got %q", got)
	}
}
