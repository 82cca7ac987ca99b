package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/beamforge/graph/model"
	"github.com/dshills/beamforge/graph/model/openai"
)

// OpenAIText adapts graph/model/openai's ChatModel (OpenAI's own retry and
// error-classification wrapper) into a TextProvider, the real third-party
// backend behind prompt refinement and combination. Vision/VLM have no
// equivalent adapter here: graph/model.ChatModel is text-only (Message has
// no image attachment field), so grounding an image-capable adapter on it
// would mean inventing new SDK-calling code rather than adapting existing
// code — those capabilities stay mock-backed (see internal/providers/mock.go).
type OpenAIText struct {
	chat  model.ChatModel
	model string
}

// NewOpenAIText constructs an OpenAIText bound to modelName (empty uses the
// underlying adapter's default).
func NewOpenAIText(apiKey, modelName string) *OpenAIText {
	return &OpenAIText{chat: openai.NewChatModel(apiKey, modelName), model: modelName}
}

const refineSystemPrompt = "You refine one dimension of an image generation prompt. " +
	"Respond with the refined prompt text only — no preamble, no quotes, no trailing explanation."

func (o *OpenAIText) Refine(ctx context.Context, prompt string, opts RefineOptions) (RefineResult, error) {
	var sb strings.Builder
	sb.WriteString("Dimension: ")
	sb.WriteString(string(opts.Dimension))
	sb.WriteString("\nUser prompt: ")
	sb.WriteString(opts.UserPrompt)
	sb.WriteString("\nCurrent prompt: ")
	sb.WriteString(prompt)
	if opts.Critique != nil {
		sb.WriteString("\nCritique: ")
		sb.WriteString(opts.Critique.Critique)
		sb.WriteString("\nRecommendation: ")
		sb.WriteString(opts.Critique.Recommendation)
		sb.WriteString("\nReason: ")
		sb.WriteString(opts.Critique.Reason)
	}

	out, err := o.chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: refineSystemPrompt},
		{Role: model.RoleUser, Content: sb.String()},
	})
	if err != nil {
		return RefineResult{}, fmt.Errorf("openai text: refine: %w", err)
	}

	return RefineResult{
		RefinedPrompt: stripScaffolding(out.Text),
		Usage:         Usage{Provider: "openai", Operation: "refine", Model: o.model, Dimension: string(opts.Dimension), Tokens: len(out.Text) / 4},
	}, nil
}

const combineSystemPrompt = "You combine a \"what\" prompt fragment and a \"how\" prompt fragment into a " +
	"single coherent image generation prompt. Respond with the combined prompt text only."

func (o *OpenAIText) Combine(ctx context.Context, what, how string, opts CombineOptions) (CombineResult, error) {
	user := fmt.Sprintf("What: %s\nHow: %s\nDescriptiveness: %d (1=terse, 3=lavish)", what, how, opts.Descriptiveness)
	out, err := o.chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: combineSystemPrompt},
		{Role: model.RoleUser, Content: user},
	})
	if err != nil {
		return CombineResult{}, fmt.Errorf("openai text: combine: %w", err)
	}

	return CombineResult{
		CombinedPrompt: stripScaffolding(out.Text),
		Usage:          Usage{Provider: "openai", Operation: "combine", Model: o.model, Tokens: len(out.Text) / 4},
	}, nil
}

// stripScaffolding removes the conversational preambles, quoted wrappers,
// and trailing "Explanation:" blocks the TextProvider contract forbids
// leaking to the caller (providers.go's doc comment on TextProvider).
func stripScaffolding(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "Explanation:"); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	for _, prefix := range []string{"Here is the refined prompt:", "Here's the refined prompt:", "Refined prompt:", "Combined prompt:"} {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
		}
	}
	text = strings.Trim(text, "\"'")
	return text
}
