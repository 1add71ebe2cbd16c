package provider

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	CompletionWindow string        `yaml:"completion_window"`
	Timeout          time.Duration `yaml:"timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BaseURL, prefix+"provider.base-url", "https://api.openai.com/v1", "Base URL of the batch provider API")
	f.StringVar(&cfg.APIKey, prefix+"provider.api-key", "", "Provider API key. Falls back to OPENAI_API_KEY")
	f.StringVar(&cfg.CompletionWindow, prefix+"provider.completion-window", "24h", "Completion window requested for submitted batches")
	f.DurationVar(&cfg.Timeout, prefix+"provider.timeout", 30*time.Second, "Per-call timeout for provider requests")
}

// apiError is the standard OpenAI error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// OpenAIClient implements Client against the OpenAI Batch API. All
// calls run through a circuit breaker so a misbehaving provider trips
// fast instead of tying up workers.
type OpenAIClient struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid provider base URL: %w", err)
	}

	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "provider",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
		}),
	}, nil
}

func (c *OpenAIClient) UploadFile(ctx context.Context, path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to buffer upload file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/files", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	out := &File{}
	if err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAIClient) CreateBatch(ctx context.Context, inputFileID, endpoint string) (*Batch, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": c.cfg.CompletionWindow,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/batches", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	out := &Batch{}
	if err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAIClient) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/batches/"+url.PathEscape(batchID), nil)
	if err != nil {
		return nil, err
	}

	out := &Batch{}
	if err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAIClient) CancelBatch(ctx context.Context, batchID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/batches/"+url.PathEscape(batchID)+"/cancel", nil)
	if err != nil {
		return err
	}
	return c.do(req, &Batch{})
}

func (c *OpenAIClient) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/files/"+url.PathEscape(fileID)+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("provider returned status %d downloading file %s", resp.StatusCode, fileID)
	}
	return resp.Body, nil
}

// do executes req through the breaker and decodes the JSON response
// into out. Provider error envelopes are mapped onto the package's
// sentinel errors.
func (c *OpenAIClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 400 {
			return nil, c.asError(resp.StatusCode, body)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("failed to decode provider response: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *OpenAIClient) asError(status int, body []byte) error {
	var envelope apiError
	_ = json.Unmarshal(body, &envelope)

	switch {
	case envelope.Error.Code == "token_limit_exceeded":
		return fmt.Errorf("%s: %w", envelope.Error.Message, ErrTokenLimitExceeded)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", envelope.Error.Message, ErrNotFound)
	default:
		return fmt.Errorf("provider returned status %d: %s", status, envelope.Error.Message)
	}
}
