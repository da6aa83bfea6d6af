package driven

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/Extracton/internal/guard"
	"github.com/BetterCallFirewall/Extracton/internal/llm"
	"github.com/BetterCallFirewall/Extracton/internal/models"
	"github.com/BetterCallFirewall/Extracton/internal/telemetry"
)

// fakeProvider - управляемый LLM провайдер для тестов
type fakeProvider struct {
	contractResp  *llm.ContractResponse
	contractErr   error
	augmentFn     func(req *llm.AugmentationRequest) (*llm.AugmentationResponse, error)
	contractCalls atomic.Int32
	augmentCalls  atomic.Int32
}

func (f *fakeProvider) GenerateContract(_ context.Context, _ *llm.ContractRequest) (*llm.ContractResponse, error) {
	f.contractCalls.Add(1)
	if f.contractErr != nil {
		return nil, f.contractErr
	}
	return f.contractResp, nil
}

func (f *fakeProvider) GenerateAugmentation(_ context.Context, req *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
	f.augmentCalls.Add(1)
	if f.augmentFn != nil {
		return f.augmentFn(req)
	}
	return &llm.AugmentationResponse{}, nil
}

// eventSink собирает телеметрию для проверок
type eventSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *eventSink) Send(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []telemetry.Event
	if err := json.Unmarshal(payload, &batch); err == nil {
		s.events = append(s.events, batch...)
	}
}

func (s *eventSink) ofType(t telemetry.EventType) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestPipeline(provider llm.Provider, sink *eventSink) *Pipeline {
	var emitter *telemetry.Emitter
	if sink != nil {
		emitter = telemetry.NewEmitter(sink, &telemetry.EmitterOptions{BatchSize: 1, FlushInterval: 0, RedactPII: false})
	}

	return NewPipeline(PipelineOptions{
		Provider:         provider,
		Emitter:          emitter,
		AugmenterEnabled: provider != nil,
		AnchorValidation: true,
	})
}

const facultyPageHTML = `
<html>
<body>
	<div class="faculty-list">
		<div class="faculty"><h3 class="name">John Smith</h3><p class="title">Professor of Physics</p><a href="mailto:smith@example.edu">smith@example.edu</a></div>
		<div class="faculty"><h3 class="name">Jane Doe</h3><p class="title">Associate Professor</p><a href="mailto:doe@example.edu">doe@example.edu</a></div>
		<div class="faculty"><h3 class="name">Alan Turing</h3><p class="title">Visiting Scholar</p><a href="mailto:turing@example.edu">turing@example.edu</a></div>
	</div>
	<footer><p>Questions? Call us: +1 555 010 0100</p></footer>
</body>
</html>`

func facultyContractResp() *llm.ContractResponse {
	return &llm.ContractResponse{
		EntityName: "person",
		Fields: []llm.ProposedField{
			{Name: "name", Type: "string", Kind: "required"},
			{Name: "title", Type: "string", Kind: "expected"},
			{Name: "email", Type: "email", Kind: "expected"},
		},
		AllowNewFields: true,
	}
}

// S1: страница с людьми - три строки, все поля заякорены, без фантомного телефона
func TestScenario_PeoplePage(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL:   "https://example.edu/faculty",
		Query: "Extract faculty with name, title, email",
		HTML:  facultyPageHTML,
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"name", "title", "email"}, result.Schema)
	require.Len(t, result.Records, 3, "Three faculty blocks produce three rows")

	for _, record := range result.Records {
		assert.Contains(t, record, "name")
		assert.Contains(t, record, "email")
		for key := range record {
			assert.Contains(t, result.Schema, key, "Rows carry only schema fields (additionalProperties=false)")
		}
	}

	assert.NotContains(t, result.Schema, "phone", "Footer phone text must not become a field")
	assert.NotEmpty(t, result.Metadata.Fingerprint)
	assert.Equal(t, 1, int(provider.contractCalls.Load()))
}

// S2: страница без emails - expected поле вычищается, ключа email нет нигде
func TestScenario_DepartmentsWithoutEmails(t *testing.T) {
	provider := &fakeProvider{contractResp: &llm.ContractResponse{
		EntityName: "department",
		Fields: []llm.ProposedField{
			{Name: "name", Type: "string", Kind: "required"},
			{Name: "email", Type: "email", Kind: "expected"},
		},
		AllowNewFields: false,
	}}
	p := newTestPipeline(provider, nil)

	html := `<html><body>
		<div class="department"><h3 class="name">Physics</h3></div>
		<div class="department"><h3 class="name">Chemistry</h3></div>
		<div class="department"><h3 class="name">Biology</h3></div>
	</body></html>`

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL:   "https://example.edu/departments",
		Query: "Extract departments with email",
		HTML:  html,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"name"}, result.Schema, "Email pruned for zero evidence")
	require.Len(t, result.Records, 3)
	for _, record := range result.Records {
		_, hasEmail := record["email"]
		assert.False(t, hasEmail, "No email key anywhere")
	}

	require.Len(t, result.Changes.Pruned, 1)
	assert.Equal(t, "email", result.Changes.Pruned[0].Field)
	assert.Equal(t, "zero_evidence_found", result.Changes.Pruned[0].Reason)
}

// S3: discovery promotion - повторяющийся research-area продвигается в схему
func TestScenario_DiscoveryPromotion(t *testing.T) {
	provider := &fakeProvider{contractResp: &llm.ContractResponse{
		EntityName:     "person",
		Fields:         []llm.ProposedField{{Name: "name", Type: "string", Kind: "required"}},
		AllowNewFields: true,
	}}
	p := newTestPipeline(provider, nil)

	var b strings.Builder
	b.WriteString("<html><body>")
	people := []string{"Ada Lovelace", "Alan Turing", "Grace Hopper", "Edsger Dijkstra", "Donald Knuth", "Barbara Liskov"}
	areas := []string{"Analytical Engines", "Computability Theory", "Compiler Construction", "Formal Verification", "Distributed Algorithms", "Type Systems Research"}
	for i := range people {
		fmt.Fprintf(&b, `<div class="person"><h3 class="name">%s</h3><span class="research-area">%s</span></div>`, people[i], areas[i])
	}
	b.WriteString("</body></html>")

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL:   "https://example.edu/people",
		Query: "Extract people",
		HTML:  b.String(),
	})
	require.NoError(t, err)

	assert.Contains(t, result.Schema, "research_area", "Repeated pattern above threshold must be promoted")

	var discovery *models.AddedField
	for i := range result.Changes.Added {
		if result.Changes.Added[i].Field == "research_area" {
			discovery = &result.Changes.Added[i]
		}
	}
	require.NotNil(t, discovery)
	assert.Equal(t, models.SourceDiscovery, discovery.Source)
	assert.GreaterOrEqual(t, discovery.Support, 3)
}

// S4: модель выдумывает email - round-trip отбрасывает, email не появляется
func TestScenario_AugmenterInvention(t *testing.T) {
	provider := &fakeProvider{
		contractResp: &llm.ContractResponse{
			EntityName: "person",
			Fields: []llm.ProposedField{
				{Name: "name", Type: "string", Kind: "required"},
				{Name: "email", Type: "email", Kind: "expected"},
			},
			AllowNewFields: false,
		},
	}
	provider.augmentFn = func(req *llm.AugmentationRequest) (*llm.AugmentationResponse, error) {
		require.NotEmpty(t, req.AnchorSamples, "Augmenter must receive an anchor sample")
		resp := &llm.AugmentationResponse{}
		resp.Completions = append(resp.Completions, llm.CompletionPayload{
			Field:      "email",
			Value:      "fake@x.com",
			Confidence: 0.99,
		})
		resp.Completions[0].Evidence.AnchorID = req.AnchorSamples[0].AnchorID
		return resp, nil
	}

	sink := &eventSink{}
	p := newTestPipeline(provider, sink)

	html := `<html><body>
		<div class="person"><h3 class="name">John Smith</h3></div>
		<div class="person"><h3 class="name">Jane Doe</h3></div>
	</body></html>`

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL:   "https://example.edu/people",
		Query: "Extract people with emails",
		HTML:  html,
	})
	require.NoError(t, err)

	assert.NotContains(t, result.Schema, "email", "Invented completion must not reinstate the field")
	for _, record := range result.Records {
		_, hasEmail := record["email"]
		assert.False(t, hasEmail)
	}

	events := sink.ofType(telemetry.EventLLMAugmentation)
	require.Len(t, events, 1)
	data, ok := events[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "true", data["fallback_used"], "Telemetry must flag the discarded augmentation")
	assert.Equal(t, "1", data["rejected"])
}

// S5: бюджет генерации контракта исчерпан - шаблонная библиотека подхватывает
func TestScenario_BudgetExhaustion(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}

	budgets := guard.DefaultBudgets()
	budgets[guard.StageContractGeneration] = guard.Budget{Tokens: 0, WallClock: 0}
	stageGuard := guard.NewWithBudgets(budgets)

	sink := &eventSink{}
	emitter := telemetry.NewEmitter(sink, &telemetry.EmitterOptions{BatchSize: 1, FlushInterval: 0, RedactPII: false})

	p := NewPipeline(PipelineOptions{
		Provider:         provider,
		Guard:            stageGuard,
		Emitter:          emitter,
		AugmenterEnabled: false,
	})

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL:   "https://example.edu/faculty",
		Query: "Extract faculty members",
		HTML:  facultyPageHTML,
	})
	require.NoError(t, err, "Template fallback keeps the request alive")

	assert.Equal(t, 0, int(provider.contractCalls.Load()), "Zero budget must abstain before calling the model")

	require.NotEmpty(t, result.Metadata.Abstentions)
	assert.Equal(t, string(guard.StageContractGeneration), result.Metadata.Abstentions[0].Stage)

	// Шаблон person нашёл name - запрос успешен с уменьшенным покрытием
	assert.Contains(t, result.Schema, "name")
	assert.NotEmpty(t, result.Records)

	assert.NotEmpty(t, sink.ofType(telemetry.EventFallbackTaken), "fallback_taken must be emitted")
}

// S5b: шаблон не находит required поле - структурированная ошибка
func TestScenario_BudgetExhaustionNoSupport(t *testing.T) {
	budgets := guard.DefaultBudgets()
	budgets[guard.StageContractGeneration] = guard.Budget{Tokens: 0, WallClock: 0}
	stageGuard := guard.NewWithBudgets(budgets)

	p := NewPipeline(PipelineOptions{Guard: stageGuard, AugmenterEnabled: false})

	// Страница без какого-либо заголовка
	_, err := p.Process(context.Background(), models.ExtractionRequest{
		URL:   "https://example.com/empty",
		Query: "Extract widgets",
		HTML:  `<html><body><table><tr><td></td></tr></table></body></html>`,
	})

	var extractionErr *models.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, "required_field_missing", extractionErr.Reason)
	assert.NotEmpty(t, extractionErr.MissingField)
}

// S6: идемпотентный повтор - второй вызов не исполняет пайплайн и не зовёт модель
func TestScenario_IdempotentReplay(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	sink := &eventSink{}
	p := newTestPipeline(provider, sink)

	req := models.ExtractionRequest{
		URL:   "https://example.edu/faculty?utm_source=newsletter",
		Query: "Extract faculty with name, title, email",
		HTML:  facultyPageHTML,
	}

	first, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.IsReplay)

	// Тот же контент, канонически эквивалентный URL
	req.URL = "https://EXAMPLE.edu/faculty"
	second, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Metadata.IsReplay, "Second call within TTL must replay")
	assert.Equal(t, first.Records, second.Records, "Replay returns the first call's output")
	assert.Equal(t, 1, int(provider.contractCalls.Load()), "No second model invocation")
	assert.LessOrEqual(t, int(provider.augmentCalls.Load()), 1)

	hits := 0
	for _, e := range sink.ofType(telemetry.EventCache) {
		if data, ok := e.Data.(map[string]any); ok && data["action"] == "hit" {
			hits++
		}
	}
	assert.Equal(t, 1, hits, "Exactly one cache hit event")
}

func TestProcess_InputMalformed(t *testing.T) {
	p := newTestPipeline(nil, nil)

	var extractionErr *models.ExtractionError

	_, err := p.Process(context.Background(), models.ExtractionRequest{
		URL: "not a url", Query: "q", HTML: "<html><body><p>x</p></body></html>",
	})
	require.ErrorAs(t, err, &extractionErr)
	assert.Contains(t, extractionErr.Reason, "input_malformed")

	_, err = p.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.com", Query: "q", HTML: "   ",
	})
	require.ErrorAs(t, err, &extractionErr)
	assert.Contains(t, extractionErr.Reason, "input_malformed")
}

func TestProcess_AugmenterDisabledSameSemantics(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}

	withAug := newTestPipeline(provider, nil)
	resultWith, err := withAug.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	})
	require.NoError(t, err)

	noAugProvider := &fakeProvider{contractResp: facultyContractResp()}
	withoutAug := NewPipeline(PipelineOptions{Provider: noAugProvider, AugmenterEnabled: false})
	resultWithout, err := withoutAug.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, resultWith.Schema, resultWithout.Schema, "Empty augmentation must not change schema semantics")
	assert.Equal(t, 0, int(noAugProvider.augmentCalls.Load()))
}

func TestProcess_NoAnchorIDsLeakIntoOutput(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	})
	require.NoError(t, err)

	serialized, err := json.Marshal(result)
	require.NoError(t, err)

	payload := string(serialized)
	assert.NotContains(t, payload, `"n_`, "Anchor IDs must never leak out of the core")
	assert.NotContains(t, payload, "nth-of-type", "Selectors must never leak out of the core")
	assert.NotContains(t, payload, "anchor_id")
}

func TestProcess_ConcurrentSameRequestCollapses(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	req := models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, int(provider.contractCalls.Load()), "Concurrent identical requests must collapse to one execution")
}

func TestTemplateContract_Matching(t *testing.T) {
	person := TemplateContract("Extract faculty members")
	assert.Equal(t, "person", person.EntityName)
	assert.True(t, person.FromTemplate)

	product := TemplateContract("scrape product listings")
	assert.Equal(t, "product", product.EntityName)

	generic := TemplateContract("get the things from this page")
	assert.Equal(t, "item", generic.EntityName)
	require.Len(t, generic.Fields, 1)
	assert.Equal(t, "title", generic.Fields[0].Name)
	assert.Equal(t, models.FieldRequired, generic.Fields[0].Kind)
	assert.True(t, generic.Governance.AllowNewFields)
}

func TestContractFromResponse_SanitizesModelOutput(t *testing.T) {
	resp := &llm.ContractResponse{
		EntityName: "person",
		Fields: []llm.ProposedField{
			{Name: "name", Type: "STRING", Kind: "REQUIRED"},
			{Name: "weird", Type: "quantum", Kind: "sometimes"},
		},
		AllowNewFields: true,
	}

	contract := contractFromResponse(resp, "query")
	require.Len(t, contract.Fields, 2)
	assert.Equal(t, models.FieldRequired, contract.Fields[0].Kind)
	assert.Equal(t, models.TypeString, contract.Fields[0].Type, "Unknown types coerce to string")
	assert.Equal(t, models.FieldExpected, contract.Fields[1].Kind, "Unknown kinds coerce to expected")
}

func TestTemplateContract_RequestedFieldsAugmentTemplate(t *testing.T) {
	contract := TemplateContract("Extract faculty with name, phone and location")

	assert.Equal(t, "person", contract.EntityName)

	var names []string
	for _, f := range contract.Fields {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "phone", "Requested attribute must be added to the template")
	assert.Contains(t, names, "location")
	assert.Contains(t, names, "email", "Template's own fields survive")

	phone, ok := contract.Field("phone")
	assert.True(t, ok)
	assert.Equal(t, models.TypePhone, phone.Type)
	assert.Equal(t, models.FieldExpected, phone.Kind)

	// Дубликаты не плодятся
	count := 0
	for _, f := range contract.Fields {
		if f.Name == "name" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestContractFromResponse_AbstainUsesTemplates(t *testing.T) {
	contract := contractFromResponse(&llm.ContractResponse{Abstain: true}, "extract people")
	assert.True(t, contract.FromTemplate)
	assert.Equal(t, "person", contract.EntityName)
}

// Записи: контейнерная группировка не смешивает значения соседних сущностей
func TestRecords_ContainerGrouping(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 3)

	expected := map[string]string{
		"John Smith":  "smith@example.edu",
		"Jane Doe":    "doe@example.edu",
		"Alan Turing": "turing@example.edu",
	}

	for _, record := range result.Records {
		name, _ := record["name"].(string)
		email, _ := record["email"].(string)
		assert.Equal(t, expected[name], email, "Each row's email must come from its own block")
	}
}

func TestProcess_StageTimingsRecorded(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	result, err := p.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	})
	require.NoError(t, err)

	for _, stage := range []string{
		string(guard.StageContractGeneration),
		string(guard.StageDeterministic),
		string(guard.StageAugmentation),
		string(guard.StageValidation),
		string(guard.StageNegotiation),
	} {
		_, ok := result.Metadata.StageTimings[stage]
		assert.True(t, ok, "Timing for %s must be present", stage)
	}
}

// Кэш не смешивает разные запросы над одним контентом
func TestProcess_DistinctQueriesDistinctKeys(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	_, err := p.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty names", HTML: facultyPageHTML,
	})
	require.NoError(t, err)

	second, err := p.Process(context.Background(), models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty emails", HTML: facultyPageHTML,
	})
	require.NoError(t, err)

	assert.False(t, second.Metadata.IsReplay, "Different query must not replay")
	assert.Equal(t, 2, int(provider.contractCalls.Load()))
}

func TestProcess_ReplayWithinTTLWindow(t *testing.T) {
	provider := &fakeProvider{contractResp: facultyContractResp()}
	p := newTestPipeline(provider, nil)

	req := models.ExtractionRequest{
		URL: "https://example.edu/faculty", Query: "faculty", HTML: facultyPageHTML,
	}

	for i := 0; i < 5; i++ {
		result, err := p.Process(context.Background(), req)
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, result.Metadata.IsReplay, "Call %d must replay", i)
		}
	}

	assert.Equal(t, 1, int(provider.contractCalls.Load()), "n calls within TTL invoke op at most once")
}
