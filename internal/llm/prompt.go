package llm

import (
	"encoding/json"
	"fmt"
)

// BuildContractPrompt создаёт промпт генерации контракта.
// Это универсальная функция, которую могут использовать все провайдеры.
func BuildContractPrompt(req *ContractRequest) string {
	abstainNote := ""
	if req.AbstainOnInsufficientEvidence {
		abstainNote = `
If the content sample gives you no confident idea what entity the user wants, set "abstain": true and leave "fields" empty.`
	}

	styleNote := ""
	if req.Verbosity == "brief" {
		styleNote = "\nKeep the field list minimal: identifying field plus at most three expected fields."
	}

	return fmt.Sprintf(
		`You are a schema designer for a web data extraction system. Given a user query and a sample of page content, propose an extraction contract.

### USER QUERY:
%s

### CONTENT SAMPLE (truncated):
%s

### YOUR TASKS:

1. **NAME THE ENTITY**: a short singular noun for what one extracted row represents ("person", "product", "article").

2. **PROPOSE FIELDS**:
   - "required": be conservative - typically ONE identifying field (usually "name" or "title"). Absence of a required field aborts extraction.
   - "expected": be generous - one per plausible attribute the query or content suggests (titles, emails, links, dates, prices).
   - Field "type" is STRICTLY one of: string, richtext, url, email, phone, number, date, enum, array, image, boolean.
   - Field "kind" is STRICTLY one of: required, expected, optional.
   - Use snake_case field names.

3. **NEW FIELDS POLICY**: set "allow_new_fields" to true unless the query explicitly forbids extra attributes.
%s%s
IMPORTANT:
- Propose fields only for data that could plausibly exist on such a page. Do NOT invent exotic fields.
- Answer STRICTLY in JSON according to the provided schema.`,
		TruncateString(req.Query, 300),
		TruncateString(req.ContentSample, 1500),
		abstainNote,
		styleNote,
	)
}

// BuildAugmentationPrompt создаёт промпт Track B.
// Модель видит только opaque anchor ID - ни селекторов, ни xpath.
func BuildAugmentationPrompt(req *AugmentationRequest) string {
	summaryJSON, _ := json.MarshalIndent(req.FindingSummary, "", "  ")
	samplesJSON, _ := json.MarshalIndent(req.AnchorSamples, "", "  ")

	return fmt.Sprintf(
		`You are the augmentation pass of an evidence-first extraction system. A deterministic pass has already extracted what it could for entity "%s". Your job is to fill gaps and propose overlooked fields - WITHOUT EVER inventing data.

### DETERMINISTIC PASS SUMMARY:
%s

### ANCHOR SAMPLE (the ONLY page content you can see):
%s

### YOUR TASKS:

1. **COMPLETIONS**: for fields marked "missing", check whether any anchor's text_preview actually contains a value. If yes, emit a completion citing that anchor_id. The "value" MUST be literally derivable from the cited anchor's preview.

2. **NEW FIELDS**: if several anchors expose the same kind of attribute the contract lacks, propose it. Cite at least %d DISTINCT anchor IDs in "dom_anchors". Set "support" to the number of anchors cited.

3. **NORMALIZATIONS**: if a field name is unidiomatic ("e-mail", "person_name"), propose {"from", "to"} renames to snake_case conventions. No anchor evidence needed.

HARD RULES:
- Cite ONLY anchor IDs that appear in the sample above. Any other ID is discarded.
- NEVER fabricate values. Every completion is re-checked against the cited anchor's actual text; mismatches are discarded and counted against you.
- Confidence is your honest estimate in [0, 1].
- If there is nothing to add, return three empty arrays. That is a perfectly good answer.

Answer STRICTLY in JSON according to the provided schema.`,
		req.EntityName,
		string(summaryJSON),
		string(samplesJSON),
		req.MinSupport,
	)
}
