package scriptbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"BountyMesh/internal/llm"
)

// Config 描述外部分析脚本。
type Config struct {
	Executable string
	Args       []string
	ScriptPath string
	WorkingDir string
}

// Client 通过标准输入输出与外部脚本交换 JSON 完成分析。
type Client struct {
	executable string
	args       []string
	scriptPath string
	workingDir string
}

type scriptRequest struct {
	Subject      string            `json:"subject"`
	Delimiter    string            `json:"delimiter"`
	SystemPrompt string            `json:"system_prompt"`
	Prompt       string            `json:"prompt"`
	Items        []llm.ContentItem `json:"items"`
	Timestamp    int64             `json:"timestamp"`
}

// NewClient 创建脚本桥接客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ScriptPath) == "" {
		return nil, errors.New("未指定分析脚本路径")
	}
	executable := cfg.Executable
	if executable == "" {
		executable = "python3"
	}
	return &Client{
		executable: executable,
		args:       append([]string(nil), cfg.Args...),
		scriptPath: cfg.ScriptPath,
		workingDir: cfg.WorkingDir,
	}, nil
}

// Analyze 调用外部脚本，并解析输出。
func (c *Client) Analyze(ctx context.Context, req llm.AnalysisRequest) (*llm.Analysis, error) {
	prompt := llm.BuildPrompt(req)
	encoded, err := json.Marshal(scriptRequest{
		Subject:      req.Subject,
		Delimiter:    prompt.Delimiter,
		SystemPrompt: prompt.System,
		Prompt:       prompt.User,
		Items:        req.Items,
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	args := append(append([]string(nil), c.args...), c.scriptPath)
	command := exec.CommandContext(ctx, c.executable, args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行分析脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	return llm.ParseAnalysis(stdout.String())
}

var _ llm.Analyzer = (*Client)(nil)
