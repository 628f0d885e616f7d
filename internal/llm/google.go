package llm

import (
	"context"
	"encoding/json"
	"os"

	"google.golang.org/genai"

	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/tools"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// GeminiProvider adapts google.golang.org/genai to the Provider contract:
// genai.NewClient against the Google AI backend, falling back to the
// GEMINI_API_KEY environment variable when no key is supplied directly.
type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, vcerr.New(vcerr.LlmFailure, "GEMINI_API_KEY not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, vcerr.Wrap(vcerr.LlmFailure, err, "construct gemini client")
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Chat(ctx context.Context, model string, view contextbuilder.PromptView, available []tools.Descriptor) (Response, error) {
	rendered := renderMessages(view)
	contents := make([]*genai.Content, 0, len(rendered))
	for _, m := range rendered {
		role := "user"
		if m.role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.text}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if len(available) > 0 {
		config.Tools = []*genai.Tool{toGeminiTool(available)}
	}

	result, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Response{}, vcerr.Wrap(vcerr.PeerUnreachable, err, "gemini generate content")
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return Response{}, vcerr.New(vcerr.LlmFailure, "gemini returned no candidates")
	}

	for _, part := range result.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			argsBytes, _ := json.Marshal(part.FunctionCall.Args)
			args := string(argsBytes)
			return Response{
				Outcome: OutcomeToolCall,
				ToolCall: ToolCallRequest{
					ToolName:  part.FunctionCall.Name,
					Arguments: args,
				},
			}, nil
		}
	}
	var reply string
	for _, part := range result.Candidates[0].Content.Parts {
		reply += part.Text
	}
	return Response{Outcome: OutcomeReply, Reply: reply}, nil
}

func toGeminiTool(available []tools.Descriptor) *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(available))
	for i, d := range available {
		properties := make(map[string]*genai.Schema, len(d.Schema.Properties))
		for name, typ := range d.Schema.Properties {
			properties[name] = &genai.Schema{Type: geminiType(typ)}
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   d.Schema.Required,
			},
		}
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

func geminiType(t tools.PropertyType) genai.Type {
	switch t {
	case tools.TypeString:
		return genai.TypeString
	case tools.TypeNumber:
		return genai.TypeNumber
	case tools.TypeBoolean:
		return genai.TypeBoolean
	case tools.TypeArray:
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}
