package llm

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

const snippetRunes = 120

var (
	inlineImage = regexp.MustCompile(`data:image/[a-zA-Z+.-]+;base64,[A-Za-z0-9+/=]+`)
	spaces      = regexp.MustCompile(`\s+`)
)

// providerLogger 返回带 provider/model 字段的日志条目
func providerLogger(ctx context.Context, provider, model string) *logrus.Entry {
	entry := logrus.WithField("provider", provider)
	if model = strings.TrimSpace(model); model != "" {
		entry = entry.WithField("model", model)
	}
	if ctx != nil {
		entry = entry.WithContext(ctx)
	}
	return entry
}

// logSnippet 把提示词或服务商返回压缩成单行。内嵌的 base64 图片会被替换掉。
func logSnippet(value string) string {
	value = inlineImage.ReplaceAllString(value, "data:image/...")
	value = strings.TrimSpace(spaces.ReplaceAllString(value, " "))
	if runes := []rune(value); len(runes) > snippetRunes {
		return string(runes[:snippetRunes]) + "..."
	}
	return value
}
