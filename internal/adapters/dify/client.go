package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

const defaultBaseURL = "https://api.dify.ai/v1"

// Client запускает именованные workflow Dify в блокирующем режиме.
// Каждый конвейер (research/headers/brief/write) авторизуется своим ключом.
type Client struct {
	http    *http.Client
	baseURL string
	apiUser string
	keys    map[domain.Workflow]string
}

var _ domain.WorkflowRunner = (*Client)(nil)

// Config задаёт параметры клиента Dify.
type Config struct {
	BaseURL     string
	APIUser     string
	KeyResearch string
	KeyHeaders  string
	KeyBrief    string
	KeyWrite    string
	Timeout     time.Duration
}

// NewClient создаёт клиента Dify.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		// Генерация секции может занимать минуты, ответ блокирующий.
		cfg.Timeout = 10 * time.Minute
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: baseURL,
		apiUser: cfg.APIUser,
		keys: map[domain.Workflow]string{
			domain.WorkflowResearch: cfg.KeyResearch,
			domain.WorkflowHeaders:  cfg.KeyHeaders,
			domain.WorkflowBrief:    cfg.KeyBrief,
			domain.WorkflowWrite:    cfg.KeyWrite,
		},
	}
}

type runRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

type runResponse struct {
	Data struct {
		Status  string                 `json:"status"`
		Error   string                 `json:"error"`
		Outputs domain.WorkflowOutputs `json:"outputs"`
	} `json:"data"`
}

// Run запускает workflow и блокирующе ждёт результат. Ответ с не-succeeded
// статусом или не-200 кодом возвращается как неуспешный результат с
// пояснением, а не как ошибка; ошибкой считаются только проблемы транспорта.
func (c *Client) Run(ctx context.Context, workflow domain.Workflow, inputs map[string]any) (domain.WorkflowResult, error) {
	key := c.keys[workflow]
	if key == "" {
		return domain.WorkflowResult{}, fmt.Errorf("dify: не задан api-ключ для workflow %q", workflow)
	}

	body, err := json.Marshal(runRequest{Inputs: inputs, ResponseMode: "blocking", User: c.apiUser})
	if err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("dify: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/workflows/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("dify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("dify", "workflows_run", string(workflow), start, err)
		metrics.ObserveWorkflow(string(workflow), start, false)
		return domain.WorkflowResult{}, fmt.Errorf("dify: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("dify", "workflows_run", string(workflow), start, err)
		metrics.ObserveWorkflow(string(workflow), start, false)
		return domain.WorkflowResult{}, fmt.Errorf("dify: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		metrics.ObserveNetworkRequest("dify", "workflows_run", string(workflow), start, fmt.Errorf("status %d", resp.StatusCode))
		metrics.ObserveWorkflow(string(workflow), start, false)
		return domain.WorkflowResult{
			Succeeded: false,
			Detail:    fmt.Sprintf("status %d: %s", resp.StatusCode, clip(string(respBody), 300)),
		}, nil
	}
	metrics.ObserveNetworkRequest("dify", "workflows_run", string(workflow), start, nil)

	var parsed runResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		metrics.ObserveWorkflow(string(workflow), start, false)
		return domain.WorkflowResult{Succeeded: false, Detail: fmt.Sprintf("нечитаемый ответ: %v", err)}, nil
	}
	if parsed.Data.Status != "succeeded" {
		detail := parsed.Data.Error
		if detail == "" {
			detail = fmt.Sprintf("status %q", parsed.Data.Status)
		}
		metrics.ObserveWorkflow(string(workflow), start, false)
		return domain.WorkflowResult{Succeeded: false, Detail: detail}, nil
	}

	metrics.ObserveWorkflow(string(workflow), start, true)
	return domain.WorkflowResult{Succeeded: true, Outputs: parsed.Data.Outputs}, nil
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
