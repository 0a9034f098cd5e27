package analysis

import (
	"context"
	"encoding/json"
	"strings"

	"petportrait/internal/config"
	"petportrait/internal/imaging"
	"petportrait/internal/llm"

	"github.com/sirupsen/logrus"
)

const analyzeInstruction = `Analyze this image and return detailed information in the following JSON format:
{
  "labels": [{"description": "object name", "score": 0.95}],
  "text": "all text found in the image",
  "colors": [{"color": {"red": 255, "green": 0, "blue": 0}, "score": 0.8}],
  "description": "a detailed description of what the photo shows",
  "style": "image style (photo, drawing, graphic, etc.)",
  "mood": "mood or atmosphere of the image",
  "objects": ["list", "of", "main", "objects"],
  "suggestions": ["suggestions", "for", "improvement"]
}
List at least 5 objects with high confidence. If there is text, transcribe it.
Return ONLY the JSON with no additional text.`

const promptInstruction = `Based on this image analysis, write a prompt for an image generation model:
%s

Write the prompt in English for a creative version of this image. It must be detailed and include:
- the main objects and their description
- the style (digital art, painting, photo, etc.)
- atmosphere and lighting
- details and textures
- technical parameters (4k, highly detailed, etc.)
Return ONLY the prompt with no additional text.`

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, parts []llm.GeminiPart, cfg *llm.GeminiGenerationConfig) (*llm.GeminiReply, error)
}

// Gemini 通过多模态模型做结构化分析，再用第二次调用生成提示词
type Gemini struct {
	client contentGenerator
	model  string
}

func NewGemini(cfg config.Config) (*Gemini, error) {
	client, err := llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.VendorTimeout)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.GeminiModel)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return ProviderGemini }

func (g *Gemini) Analyze(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	thumb, thumbMime, err := imaging.Thumbnail(data, thumbnailMaxSide)
	if err != nil {
		// 解码失败时直接发送原图
		thumb, thumbMime = data, mimeType
	}
	reply, err := g.client.GenerateContent(ctx, g.model, []llm.GeminiPart{
		{Text: analyzeInstruction},
		llm.ImagePart(thumbMime, thumb),
	}, &llm.GeminiGenerationConfig{ResponseMimeType: "application/json"})
	if err != nil {
		return nil, err
	}
	result := parseResult(reply.Text)
	result.Provider = ProviderGemini
	result.Model = g.model
	return result, nil
}

func (g *Gemini) Prompt(ctx context.Context, result *Result) string {
	if result == nil {
		return FallbackPrompt
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return FallbackPrompt
	}
	reply, err := g.client.GenerateContent(ctx, g.model, []llm.GeminiPart{
		{Text: strings.Replace(promptInstruction, "%s", string(encoded), 1)},
	}, nil)
	if err != nil {
		logrus.WithContext(ctx).WithError(err).Warn("analysis_prompt_fallback")
		return FallbackPrompt
	}
	prompt := strings.TrimSpace(reply.Text)
	if prompt == "" {
		return FallbackPrompt
	}
	return prompt
}
