package applyfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"
	defaultGeminiTimeout = 20 * time.Second
	maxExtractionBody    = 1 << 20
)

const extractionSchemaText = `{
  "type": "object",
  "required": ["category"],
  "properties": {
    "category": {"enum": ["rejected", "interview", "offer", "other"]},
    "company": {"type": ["string", "null"]},
    "position": {"type": ["string", "null"]},
    "date": {"type": ["string", "null"]},
    "location": {"type": ["string", "null"]},
    "salary": {"type": ["string", "null"]},
    "nextSteps": {"type": ["string", "null"]}
  }
}`

const extractionPrompt = `Analyze this email and provide the following information in JSON format:
1. category (must be one of: "rejected", "interview", "offer", "other")
2. company: company name (if mentioned)
3. position: position or job title (if mentioned)
4. date: date (if mentioned, in YYYY-MM-DD format)
5. location: location (if mentioned)
6. salary: salary or compensation (if mentioned)
7. nextSteps: next steps or action items (if mentioned)

Email Subject: %s
Email Body: %s

Respond with a single JSON object using exactly these keys. Use null for any information not found.`

type GeminiOptions struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// GeminiExtractor asks the generateContent endpoint for a structured
// classification and checks the answer against a fixed schema.
type GeminiExtractor struct {
	baseURL    string
	model      string
	httpClient *http.Client
	schema     *jsonschema.Schema
}

func NewGeminiExtractor(opts GeminiOptions) (*GeminiExtractor, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultGeminiTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	schema, err := compileExtractionSchema()
	if err != nil {
		return nil, err
	}
	return &GeminiExtractor{
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		schema:     schema,
	}, nil
}

func compileExtractionSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(extractionSchemaText))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("extraction.json")
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiExtractor) Extract(ctx context.Context, apiKey string, msg Message) (Extraction, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{{Text: fmt.Sprintf(extractionPrompt, msg.Subject, msg.TextBody)}},
		}},
		GenerationConfig: geminiGenerationConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return Extraction{}, err
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, url.PathEscape(g.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationTransportFailure, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationTransportFailure, Err: stripRequestURL(err)}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractionBody))
	if err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationTransportFailure, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Extraction{}, &ClassificationError{
			Kind: ClassificationTransportFailure,
			Err:  fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}

	var envelope geminiResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationInvalidResponse, Err: err}
	}
	if len(envelope.Candidates) == 0 || len(envelope.Candidates[0].Content.Parts) == 0 {
		return Extraction{}, &ClassificationError{Kind: ClassificationInvalidResponse, Err: fmt.Errorf("empty candidate list")}
	}
	text := stripCodeFence(envelope.Candidates[0].Content.Parts[0].Text)
	return g.decodeExtraction(text)
}

func (g *GeminiExtractor) decodeExtraction(text string) (Extraction, error) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationInvalidResponse, Err: err}
	}
	if err := g.schema.Validate(inst); err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationInvalidResponse, Err: err}
	}
	var extraction Extraction
	if err := json.Unmarshal([]byte(text), &extraction); err != nil {
		return Extraction{}, &ClassificationError{Kind: ClassificationInvalidResponse, Err: err}
	}
	return extraction, nil
}

// stripRequestURL drops the method and URL a *url.Error prepends so request
// details never reach logs.
func stripRequestURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}

// stripCodeFence removes a ```json fence some model replies wrap around the
// object even when a JSON mime type was requested.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
