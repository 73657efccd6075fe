package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second

	maxResponseBytes = 1 << 20
	maxTokens        = 600
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容接口完成内容分析。
type Client struct {
	apiKey      string
	endpoint    string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		endpoint:    baseURL + "/chat/completions",
		model:       model,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Analyze 调用 chat completions 并解析 JSON 结果。
func (c *Client) Analyze(ctx context.Context, req llm.AnalysisRequest) (*llm.Analysis, error) {
	prompt := llm.BuildPrompt(req)
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		Temperature:    c.temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "序列化 OpenAI 请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "请求 OpenAI 失败",
			xerrors.WithMetadata("subject", req.Subject))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "读取 OpenAI 响应失败")
	}

	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= http.StatusBadRequest {
		detail := strings.TrimSpace(string(raw))
		if decodeErr == nil && decoded.Error != nil {
			detail = decoded.Error.Message
		}
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return nil, xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, detail),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
	if decodeErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, decodeErr, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExternalService, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeExternalService, "OpenAI 响应内容为空")
	}
	return llm.ParseAnalysis(content)
}

var _ llm.Analyzer = (*Client)(nil)
