package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Agent-Economy/internal/executor"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述调用 OpenAI 兼容 Chat Completions 接口所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用推理后端完成任务执行，是 execute 协作方的
// 线上实现。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	profiles   executor.Profiles
	httpClient *http.Client
	clock      func() time.Time
}

// NewClient 根据配置创建推理客户端。
func NewClient(cfg Config, profiles executor.Profiles) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供推理 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:   apiKey,
		baseURL:  baseURL,
		model:    model,
		profiles: profiles,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		clock: time.Now,
	}, nil
}

// Execute 调用推理后端处理任务，费用按 80/20 分成报告。
func (c *Client) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	start := c.clock()

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建推理请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求推理后端失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("推理后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析推理响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("推理响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("推理响应内容为空")
	}

	duration := c.clock().Sub(start).Milliseconds()
	if duration <= 0 {
		duration = 1
	}
	return &executor.Result{
		Output:     content,
		CostHBAR:   executor.WorkerCost(req.BudgetHBAR),
		DurationMS: duration,
	}, nil
}

func (c *Client) buildPayload(req executor.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	systemPrompt := c.profiles.PromptFor(req.TaskType)
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: req.Payload},
		},
		"temperature": 0.2,
		"max_tokens":  512,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化推理请求失败: %w", err)
	}
	return encoded, nil
}

var _ executor.Executor = (*Client)(nil)
