package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"BountyMesh/internal/llm"
	"BountyMesh/pkg/logger"
)

const defaultBaseURL = "https://api.github.com"

// sourceExtensions 是参与评估的顶层源码文件类型。
var sourceExtensions = map[string]bool{
	".go": true, ".rs": true, ".py": true, ".ts": true, ".js": true,
	".sol": true, ".java": true, ".kt": true, ".c": true, ".cc": true,
	".cpp": true, ".h": true, ".rb": true, ".swift": true, ".md": true,
}

// Config 描述 GitHub 内容抓取器。
type Config struct {
	BaseURL           string
	Token             string
	RequestsPerSecond float64
	Burst             int
	MaxItems          int
	MaxItemBytes      int
	Timeout           time.Duration
}

// Fetcher 通过 GitHub REST contents API 读取 README 与顶层源码文件。
type Fetcher struct {
	baseURL      string
	token        string
	limiter      *rate.Limiter
	maxItems     int
	maxItemBytes int
	httpClient   *http.Client
}

// NewFetcher 创建抓取器。
func NewFetcher(cfg Config) *Fetcher {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 12
	}
	maxItemBytes := cfg.MaxItemBytes
	if maxItemBytes <= 0 {
		maxItemBytes = 8 << 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		baseURL:      baseURL,
		token:        strings.TrimSpace(cfg.Token),
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		maxItems:     maxItems,
		maxItemBytes: maxItemBytes,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type contentEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

// ParseRef 接受 "owner/repo" 或 https://github.com/owner/repo 形式的引用。
func ParseRef(ref string) (owner, repo string, err error) {
	ref = strings.TrimSpace(ref)
	if u, parseErr := url.Parse(ref); parseErr == nil && u.Host != "" {
		ref = strings.Trim(u.Path, "/")
	}
	ref = strings.TrimSuffix(ref, ".git")
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("无法识别的仓库引用: %q", ref)
	}
	return parts[0], parts[1], nil
}

// Fetch 读取 README 与顶层源码文件。单个文件失败只记录日志，
// 仅在一个条目都未取得时返回错误。
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]llm.ContentItem, error) {
	owner, repo, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	log := logger.Named("oracle.github").With(slog.String("repo", owner+"/"+repo))
	repoPath := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)

	var (
		items   []llm.ContentItem
		lastErr error
	)
	if body, err := f.getRaw(ctx, repoPath+"/readme"); err != nil {
		log.Debug("读取 README 失败", slog.Any("error", err))
		lastErr = err
	} else {
		items = append(items, llm.ContentItem{Path: "README", Content: body})
	}

	entries, err := f.listContents(ctx, repoPath+"/contents/")
	if err != nil {
		log.Debug("读取目录失败", slog.Any("error", err))
		lastErr = err
	}
	for _, entry := range entries {
		if len(items) >= f.maxItems {
			break
		}
		if strings.EqualFold(strings.TrimSuffix(entry.Name, path.Ext(entry.Name)), "readme") {
			continue
		}
		body, err := f.getRaw(ctx, repoPath+"/contents/"+escapePath(entry.Path))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Debug("读取文件失败", slog.String("path", entry.Path), slog.Any("error", err))
			lastErr = err
			continue
		}
		items = append(items, llm.ContentItem{Path: entry.Path, Content: body})
	}
	if len(items) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return items, nil
}

func (f *Fetcher) listContents(ctx context.Context, endpoint string) ([]contentEntry, error) {
	resp, err := f.do(ctx, endpoint, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []contentEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析目录列表失败: %w", err)
	}
	files := entries[:0]
	for _, entry := range entries {
		if entry.Type != "file" || entry.Size == 0 {
			continue
		}
		if !sourceExtensions[strings.ToLower(path.Ext(entry.Name))] {
			continue
		}
		files = append(files, entry)
	}
	// 小文件优先，尽量在字节预算内覆盖更多文件。
	sort.SliceStable(files, func(i, j int) bool { return files[i].Size < files[j].Size })
	return files, nil
}

func (f *Fetcher) getRaw(ctx context.Context, endpoint string) (string, error) {
	resp, err := f.do(ctx, endpoint, "application/vnd.github.raw")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxItemBytes)))
	if err != nil {
		return "", fmt.Errorf("读取内容失败: %w", err)
	}
	return string(body), nil
}

func (f *Fetcher) do(ctx context.Context, endpoint, accept string) (*http.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待限流器失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 GitHub 失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusNotFound {
			return nil, errors.New("GitHub 资源不存在")
		}
		return nil, fmt.Errorf("GitHub 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
