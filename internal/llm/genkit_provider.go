package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/firebase/genkit/go/ai"
	genkitcore "github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitProvider реализует Provider через genkit flows с типизированным
// структурированным выводом. Контракт ходит в быструю модель,
// augmentation - в умную.
type GenkitProvider struct {
	genkitApp *genkit.Genkit

	modelFast  string
	modelSmart string

	contractFlow *genkitcore.Flow[*ContractRequest, *ContractResponse, struct{}]
	augmentFlow  *genkitcore.Flow[*AugmentationRequest, *AugmentationResponse, struct{}]
}

// NewGenkitProvider создаёт провайдер и регистрирует оба flow
func NewGenkitProvider(g *genkit.Genkit, modelFast, modelSmart string) *GenkitProvider {
	p := &GenkitProvider{
		genkitApp:  g,
		modelFast:  modelFast,
		modelSmart: modelSmart,
	}

	p.contractFlow = genkit.DefineFlow(
		g, "contractGenerationFlow",
		func(ctx context.Context, req *ContractRequest) (*ContractResponse, error) {
			prompt := BuildContractPrompt(req)

			model := p.modelFast
			if req.PreferredModel != "" {
				model = req.PreferredModel
			}

			result, resp, err := genkit.GenerateData[ContractResponse](
				ctx, g,
				ai.WithModelName(model),
				ai.WithPrompt(prompt),
			)
			if err != nil {
				return nil, fmt.Errorf("contract generation failed: %w", err)
			}

			result.TokensUsed = usageTokens(resp)
			log.Printf("✅ Contract proposal: entity=%s, fields=%d, tokens=%d",
				result.EntityName, len(result.Fields), result.TokensUsed)
			return result, nil
		},
	)

	p.augmentFlow = genkit.DefineFlow(
		g, "augmentationFlow",
		func(ctx context.Context, req *AugmentationRequest) (*AugmentationResponse, error) {
			prompt := BuildAugmentationPrompt(req)

			result, resp, err := genkit.GenerateData[AugmentationResponse](
				ctx, g,
				ai.WithModelName(p.modelSmart),
				ai.WithPrompt(prompt),
			)
			if err != nil {
				return nil, fmt.Errorf("augmentation failed: %w", err)
			}

			result.TokensUsed = usageTokens(resp)
			log.Printf("✅ Augmentation: completions=%d, new_fields=%d, normalizations=%d, tokens=%d",
				len(result.Completions), len(result.NewFields), len(result.Normalizations), result.TokensUsed)
			return result, nil
		},
	)

	return p
}

// GenerateContract запускает flow генерации контракта
func (p *GenkitProvider) GenerateContract(ctx context.Context, req *ContractRequest) (*ContractResponse, error) {
	return p.contractFlow.Run(ctx, req)
}

// GenerateAugmentation запускает flow Track B
func (p *GenkitProvider) GenerateAugmentation(ctx context.Context, req *AugmentationRequest) (*AugmentationResponse, error) {
	return p.augmentFlow.Run(ctx, req)
}

// usageTokens достаёт потраченные токены из ответа модели
func usageTokens(resp *ai.ModelResponse) int {
	if resp == nil || resp.Usage == nil {
		return 0
	}
	return resp.Usage.TotalTokens
}
