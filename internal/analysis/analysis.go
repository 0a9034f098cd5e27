package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"petportrait/internal/config"
	"petportrait/internal/entity"
)

// FallbackPrompt 没有分析得出的提示词时使用
const FallbackPrompt = "A beautiful artistic interpretation of the image, digital art style, highly detailed, 4k resolution, cinematic lighting, trending on artstation, masterpiece quality, intricate details, professional photography"

const (
	ProviderGemini = "gemini"
	ProviderVision = "vision"
	ProviderNone   = "none"

	// 送去分析的缩略图最长边
	thumbnailMaxSide  = 1024
	rawDescriptionMax = 500
)

type Label struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

type RGB struct {
	Red   float64 `json:"red"`
	Green float64 `json:"green"`
	Blue  float64 `json:"blue"`
}

type Color struct {
	Color RGB     `json:"color"`
	Score float64 `json:"score"`
}

// Face 情绪可能性，例如 "LIKELY" 或 "VERY_LIKELY"
type Face struct {
	Joy      string `json:"joy,omitempty"`
	Sorrow   string `json:"sorrow,omitempty"`
	Anger    string `json:"anger,omitempty"`
	Surprise string `json:"surprise,omitempty"`
}

// Result 是分析结果，完整保存在图片的 analysis_data 中
type Result struct {
	Labels      []Label  `json:"labels,omitempty"`
	Text        string   `json:"text,omitempty"`
	Colors      []Color  `json:"colors,omitempty"`
	Faces       []Face   `json:"faces,omitempty"`
	Description string   `json:"description,omitempty"`
	Style       string   `json:"style,omitempty"`
	Mood        string   `json:"mood,omitempty"`
	Objects     []string `json:"objects,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// ToMap 把结果转换为 JSON 列类型
func (r *Result) ToMap() entity.JSONMap {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	out := entity.JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Analyzer 把图片转换为结构化特征和生成提示词
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, data []byte, mimeType string) (*Result, error)
	// Prompt 不会失败，分析失败时回退到 FallbackPrompt
	Prompt(ctx context.Context, result *Result) string
}

// NewAnalyzer 按 ANALYSIS_PROVIDER 创建分析器
func NewAnalyzer(ctx context.Context, cfg config.Config) (Analyzer, error) {
	switch provider := strings.ToLower(strings.TrimSpace(cfg.AnalysisProvider)); provider {
	case ProviderNone, "":
		return None{}, nil
	case ProviderGemini:
		return NewGemini(cfg)
	case ProviderVision:
		return NewVision(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported analysis provider: %s", cfg.AnalysisProvider)
	}
}

// None 不做分析，始终返回兜底提示词
type None struct{}

func (None) Name() string { return ProviderNone }

func (None) Analyze(context.Context, []byte, string) (*Result, error) {
	return &Result{Provider: ProviderNone}, nil
}

func (None) Prompt(context.Context, *Result) string { return FallbackPrompt }

// ExtractJSONObject 返回 text 中第一个括号配平的 {...} 块，
// JSON 字符串里的括号不计入
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
		// 未闭合，尝试下一个起点
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// parseResult 解析模型回复，失败时用原始文本作为描述
func parseResult(raw string) *Result {
	if block, ok := ExtractJSONObject(raw); ok {
		var result Result
		if err := json.Unmarshal([]byte(block), &result); err == nil {
			return &result
		}
	}
	runes := []rune(strings.TrimSpace(raw))
	if len(runes) > rawDescriptionMax {
		runes = runes[:rawDescriptionMax]
	}
	return &Result{Description: string(runes)}
}
