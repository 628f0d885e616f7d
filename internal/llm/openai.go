package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vcompany/vcompany/internal/contextbuilder"
	"github.com/vcompany/vcompany/internal/tools"
	"github.com/vcompany/vcompany/internal/vcerr"
)

// OpenAIProvider adapts the OpenAI chat-completions API to the Provider
// contract: functional-options construction over a base URL and API key,
// wrapping a single underlying *openai.Client for a full chat-with-tools
// exchange.
type OpenAIProvider struct {
	client *openai.Client
}

type OpenAIOption func(*openAIParams)

type openAIParams struct {
	baseURL string
	apiKey  string
}

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *openAIParams) { p.baseURL = url }
}

func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(p *openAIParams) { p.apiKey = key }
}

func NewOpenAIProvider(opts ...OpenAIOption) *OpenAIProvider {
	params := &openAIParams{baseURL: "https://api.openai.com/v1/"}
	for _, opt := range opts {
		opt(params)
	}
	clientOpts := []option.RequestOption{option.WithBaseURL(params.baseURL)}
	if params.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(params.apiKey))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAIProvider{client: client}
}

func (p *OpenAIProvider) Chat(ctx context.Context, model string, view contextbuilder.PromptView, available []tools.Descriptor) (Response, error) {
	messages := toOpenAIMessages(renderMessages(view))
	toolParams := toOpenAITools(available)

	params := openai.ChatCompletionNewParams{
		Messages: openai.F(messages),
		Model:    openai.F(model),
	}
	if len(toolParams) > 0 {
		params.Tools = openai.F(toolParams)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, vcerr.Wrap(vcerr.PeerUnreachable, err, "openai chat completion")
	}
	if len(completion.Choices) == 0 {
		return Response{}, vcerr.New(vcerr.LlmFailure, "openai returned no choices")
	}

	msg := completion.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		return Response{
			Outcome: OutcomeToolCall,
			ToolCall: ToolCallRequest{
				ToolName:  call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		}, nil
	}
	return Response{Outcome: OutcomeReply, Reply: msg.Content}, nil
}

func toOpenAIMessages(rendered []renderedMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(rendered))
	for _, m := range rendered {
		switch m.role {
		case "system":
			out = append(out, openai.SystemMessage(m.text))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.text))
		case "tool":
			out = append(out, openai.ToolMessage("", m.text))
		default:
			out = append(out, openai.UserMessage(m.text))
		}
	}
	return out
}

func toOpenAITools(available []tools.Descriptor) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(available))
	for _, d := range available {
		out = append(out, openai.ChatCompletionToolParam{
			Type: openai.F(openai.ChatCompletionToolTypeFunction),
			Function: openai.F(openai.FunctionDefinitionParam{
				Name:        openai.F(d.Name),
				Description: openai.F(d.Description),
				Parameters:  openai.F(schemaToParameters(d.Schema)),
			}),
		})
	}
	return out
}

func schemaToParameters(schema tools.Schema) openai.FunctionParameters {
	properties := make(map[string]interface{}, len(schema.Properties))
	for name, typ := range schema.Properties {
		properties[name] = map[string]interface{}{"type": string(typ)}
	}
	return openai.FunctionParameters{
		"type":       "object",
		"properties": properties,
		"required":   schema.Required,
	}
}
