package llm

import (
	"fmt"
	"strings"

	"petportrait/internal/config"
)

// NewGenerator 创建配置的图片服务商
func NewGenerator(cfg config.Config) (Generator, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.GenerationProvider)); driver {
	case deapiProviderID, "":
		return NewDeAPI(cfg)
	case falProviderID:
		return NewFalAI(cfg)
	case volcengineProviderID:
		return NewVolcengine(cfg)
	case geminiProviderID:
		return NewGeminiImage(cfg)
	default:
		return nil, fmt.Errorf("unsupported generation provider: %s", cfg.GenerationProvider)
	}
}
