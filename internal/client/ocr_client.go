package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
	"github.com/pesio-ai/be-deal-constructor/internal/logger"
)

// OCRConfig configures the document analysis client
type OCRConfig struct {
	// BaseURL of an OpenAI-compatible endpoint, e.g. "https://api.openai.com/v1"
	BaseURL string
	// APIKey is optional for local endpoints
	APIKey string
	// Model must accept image input
	Model   string
	Timeout time.Duration
}

// OCRClient extracts deal fields from uploaded documents through a
// vision-capable chat completion model.
type OCRClient struct {
	client *openai.Client
	model  string
	log    *logger.Logger
}

// NewOCRClient creates a new OCR client
func NewOCRClient(cfg OCRConfig, log *logger.Logger) (*OCRClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ocr base_url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ocr model is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "local"
	}
	if log == nil {
		log = logger.Nop()
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = cfg.BaseURL
	config.HTTPClient = &http.Client{Timeout: timeout}

	return &OCRClient{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
		log:    log,
	}, nil
}

const ocrSystemPrompt = `You extract structured data from business documents for a purchase deal.
Reply with a single JSON object and nothing else. Omit fields you cannot read.
Monetary amounts are integers in minor currency units.`

func ocrInstruction(hint deal.Step) string {
	switch hint {
	case deal.StepCompany:
		return `Extract the buyer company as {"company":{"name","tax_id","address","country","email","phone"}}.`
	case deal.StepSpecification:
		return `Extract the goods list as {"specification":{"supplier_name","currency","items":[{"name","code","unit","quantity","unit_price","total"}]}}.`
	case deal.StepPaymentMethod, deal.StepRequisites:
		return `Extract the payee requisites as {"requisites":{"method":"bank-transfer|p2p|crypto",` +
			`"bank":{"bankName","accountNumber","swift","recipientName","transferCurrency"},` +
			`"p2p":{"bank","card_number","holder_name"},"crypto":{"network","address"}}}. ` +
			`Fill only the object matching the method.`
	}
	return ""
}

// AnalyzeDocument sends the file to the model and parses the fields relevant
// to hint. Errors are returned to the caller; nothing is written on failure.
func (c *OCRClient) AnalyzeDocument(ctx context.Context, file []byte, contentType string, hint deal.Step) (*ExtractedFields, error) {
	instruction := ocrInstruction(hint)
	if instruction == "" {
		return nil, errors.InvalidInput("hint", fmt.Sprintf("document analysis does not support step %s", hint))
	}
	if len(file) == 0 {
		return nil, errors.InvalidInput("file", "empty document")
	}
	if contentType == "" {
		contentType = http.DetectContentType(file)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, errors.InvalidInput("file", fmt.Sprintf("unsupported content type %s", contentType))
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(file))
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: ocrSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: instruction},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.log.Warn().Err(err).Str("hint", hint.String()).Msg("Document analysis request failed")
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "document analysis failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New(errors.ErrCodeUnavailable, "document analysis returned no result")
	}

	fields, err := parseExtraction(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "document analysis returned malformed fields")
	}

	c.log.Debug().
		Str("hint", hint.String()).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("Document analysed")
	return fields, nil
}

// parseExtraction decodes the model reply, tolerating a fenced code block
func parseExtraction(content string) (*ExtractedFields, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	fields := &ExtractedFields{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), fields); err != nil {
		return nil, err
	}
	return fields, nil
}
