package oracle

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"BountyMesh/internal/llm"
)

// Limits 约束单次抓取的内容规模。
type Limits struct {
	MaxItems      int
	MaxItemBytes  int
	MaxTotalBytes int
}

// DefaultLimits 返回默认的抓取上限。
func DefaultLimits() Limits {
	return Limits{MaxItems: 12, MaxItemBytes: 8 << 10, MaxTotalBytes: 48 << 10}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxItems <= 0 {
		l.MaxItems = def.MaxItems
	}
	if l.MaxItemBytes <= 0 {
		l.MaxItemBytes = def.MaxItemBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = def.MaxTotalBytes
	}
	return l
}

// SanitizeContent 去除控制字符与不可见格式字符，打散分隔符样式的记号，
// 并按字节上限截断。换行与制表符保留。
func SanitizeContent(text string, maxBytes int) string {
	var builder strings.Builder
	builder.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			builder.WriteRune(r)
		case r == utf8.RuneError, unicode.IsControl(r), unicode.Is(unicode.Cf, r):
		default:
			builder.WriteRune(r)
		}
	}
	return truncateBytes(neutralizeDelimiters(builder.String()), maxBytes)
}

// neutralizeDelimiters 将连续 5 个及以上的分隔字符压缩为两个，
// 使内容无法伪造分隔行。
func neutralizeDelimiters(text string) string {
	var builder strings.Builder
	builder.Grow(len(text))
	runes := []rune(text)
	for i := 0; i < len(runes); {
		r := runes[i]
		if r != '=' && r != '-' && r != '#' && r != '`' {
			builder.WriteRune(r)
			i++
			continue
		}
		j := i
		for j < len(runes) && runes[j] == r {
			j++
		}
		if j-i >= 5 {
			builder.WriteRune(r)
			builder.WriteRune(r)
		} else {
			builder.WriteString(string(runes[i:j]))
		}
		i = j
	}
	return builder.String()
}

// cleanLine 用于单行字段：控制字符替换为空格并压缩空白。
func cleanLine(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
	})
	return strings.Join(fields, " ")
}

// cleanText 用于多行字段：去除除换行外的控制字符。
func cleanText(text string) string {
	var builder strings.Builder
	for _, r := range text {
		if r == '\n' {
			builder.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		builder.WriteRune(r)
	}
	return strings.TrimSpace(builder.String())
}

func truncateBytes(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// boundItems 对抓取结果再次施加条目数、单条与总量上限，并丢弃清洗后为空的条目。
func boundItems(items []llm.ContentItem, limits Limits) []llm.ContentItem {
	limits = limits.withDefaults()
	bounded := make([]llm.ContentItem, 0, min(len(items), limits.MaxItems))
	remaining := limits.MaxTotalBytes
	for _, item := range items {
		if len(bounded) >= limits.MaxItems || remaining <= 0 {
			break
		}
		content := SanitizeContent(item.Content, min(limits.MaxItemBytes, remaining))
		if strings.TrimSpace(content) == "" {
			continue
		}
		remaining -= len(content)
		bounded = append(bounded, llm.ContentItem{
			Path:    truncateBytes(cleanLine(item.Path), 256),
			Content: content,
		})
	}
	return bounded
}
