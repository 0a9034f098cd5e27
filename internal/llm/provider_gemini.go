package llm

import (
	"context"
	"strings"

	"petportrait/internal/config"

	"github.com/sirupsen/logrus"
)

const geminiDefaultImageModel = "gemini-2.5-flash-image"

// GeminiImage 使用 Gemini 图像模型同步生成
type GeminiImage struct {
	client *GeminiClient
	model  string
}

func NewGeminiImage(cfg config.Config) (*GeminiImage, error) {
	client, err := NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.VendorTimeout)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.GeminiImageModel)
	if model == "" {
		model = geminiDefaultImageModel
	}
	return &GeminiImage{client: client, model: model}, nil
}

func (g *GeminiImage) Name() string  { return geminiProviderID }
func (g *GeminiImage) Model() string { return g.model }
func (g *GeminiImage) Async() bool   { return false }

// geminiImagePrompt 把反向提示词并入指令文本，接口没有单独的字段
func geminiImagePrompt(prompt, negative string) string {
	prompt = strings.TrimSpace(prompt)
	negative = strings.TrimSpace(negative)
	if negative == "" {
		return prompt
	}
	return prompt + "\n\nAvoid: " + negative
}

func (g *GeminiImage) Submit(ctx context.Context, request SubmitRequest) (*Submission, error) {
	if len(request.Image) == 0 {
		return nil, newVendorError(geminiProviderID, FailureRejected, 0, "image is required", nil)
	}
	prompt := geminiImagePrompt(request.Prompt, request.NegativePrompt)
	if prompt == "" {
		return nil, newVendorError(geminiProviderID, FailureRejected, 0, "prompt is required", nil)
	}
	providerLogger(ctx, geminiProviderID, g.model).WithFields(logrus.Fields{
		"prompt_preview": logSnippet(prompt),
		"image_bytes":    len(request.Image),
	}).Info("gemini_generate_image_start")

	reply, err := g.client.GenerateContent(ctx, g.model, []GeminiPart{
		{Text: prompt},
		ImagePart(request.MimeType, request.Image),
	}, &GeminiGenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}})
	if err != nil {
		return nil, err
	}
	if len(reply.Images) == 0 {
		message := "gemini response did not include image data"
		if reply.Text != "" {
			message = reply.Text
		}
		return nil, newVendorError(geminiProviderID, FailureRejected, 0, message, nil)
	}
	result := reply.Images[0]
	return &Submission{
		Result:     &result,
		Parameters: map[string]any{"model": g.model},
	}, nil
}

func (g *GeminiImage) Poll(context.Context, string) (*PollResult, error) {
	return nil, ErrJobNotFound
}

var _ Generator = (*GeminiImage)(nil)
