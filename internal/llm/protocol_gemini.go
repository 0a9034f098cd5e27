package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	geminiProviderID     = "gemini"
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// 请求结构 ------------------------------------------------------------------
type (
	GeminiInlineData struct {
		MimeType string `json:"mimeType,omitempty"`
		Data     string `json:"data,omitempty"`
	}
	geminiFileData struct {
		FileURI  string `json:"fileUri,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	}
	GeminiPart struct {
		Text       string            `json:"text,omitempty"`
		InlineData *GeminiInlineData `json:"inlineData,omitempty"`
		FileData   *geminiFileData   `json:"fileData,omitempty"`
	}
	geminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []GeminiPart `json:"parts"`
	}
	// GeminiGenerationConfig 对应 generationConfig 字段
	GeminiGenerationConfig struct {
		Temperature        *float64 `json:"temperature,omitempty"`
		MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
		ResponseMimeType   string   `json:"responseMimeType,omitempty"`
		ResponseModalities []string `json:"responseModalities,omitempty"`
	}
	geminiRequest struct {
		Contents         []geminiContent         `json:"contents"`
		GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	}
)

// 响应结构 ------------------------------------------------------------------
type (
	geminiCandidate struct {
		FinishReason string        `json:"finishReason,omitempty"`
		Content      geminiContent `json:"content"`
	}
	geminiError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	geminiResponse struct {
		Candidates     []geminiCandidate `json:"candidates"`
		PromptFeedback *struct {
			BlockReason string `json:"blockReason"`
		} `json:"promptFeedback,omitempty"`
		Error *geminiError `json:"error,omitempty"`
	}
)

// GeminiReply 汇总候选结果中的文本与图片
type GeminiReply struct {
	Text         string
	Images       []Result
	FinishReason string
}

// ImagePart 把原始图片字节包装成内联 part
func ImagePart(mimeType string, data []byte) GeminiPart {
	return GeminiPart{InlineData: &GeminiInlineData{
		MimeType: fallbackMime(mimeType),
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// GeminiClient 调用 generateContent 接口，图片生成和提示词分析共用
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewGeminiClient(apiKey, baseURL string, timeout time.Duration) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is not configured")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	return &GeminiClient{apiKey: apiKey, baseURL: baseURL, httpClient: newHTTPClient(timeout)}, nil
}

func (g *GeminiClient) endpoint(model string) string {
	return g.baseURL + "/models/" + url.PathEscape(model) + ":generateContent"
}

// GenerateContent 发送单轮用户消息，收集文本和内联图片
func (g *GeminiClient) GenerateContent(ctx context.Context, model string, parts []GeminiPart, cfg *GeminiGenerationConfig) (*GeminiReply, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, newVendorError(geminiProviderID, FailureRejected, 0, "model is required", nil)
	}
	if len(parts) == 0 {
		return nil, newVendorError(geminiProviderID, FailureRejected, 0, "no parts for gemini request", nil)
	}

	body, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: cfg,
	})
	if err != nil {
		return nil, newVendorError(geminiProviderID, FailureMalformed, 0, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(model), bytes.NewReader(body))
	if err != nil {
		return nil, newVendorError(geminiProviderID, FailureMalformed, 0, "create request", err)
	}
	// key 放在 header 中，避免出现在日志中的 URL 里
	req.Header.Set("x-goog-api-key", g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	logger := providerLogger(ctx, geminiProviderID, model)
	raw, err := doRequest(g.httpClient, geminiProviderID, req)
	if err != nil {
		logger.WithError(err).Warn("gemini_generate_content_failed")
		return nil, err
	}

	var resp geminiResponse
	if err := decodeJSON(geminiProviderID, raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil && strings.TrimSpace(resp.Error.Message) != "" {
		return nil, newVendorError(geminiProviderID, FailureRejected, resp.Error.Code, resp.Error.Message, nil)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, newVendorError(geminiProviderID, FailureRejected, 0, "prompt blocked: "+resp.PromptFeedback.BlockReason, nil)
	}

	reply := &GeminiReply{}
	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			reply.FinishReason = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				reply.Text = appendLine(reply.Text, part.Text)
			}
			if part.InlineData != nil && strings.TrimSpace(part.InlineData.Data) != "" {
				data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(part.InlineData.Data))
				if err != nil {
					logger.WithError(err).Warn("gemini_inline_image_decode_failed")
					continue
				}
				reply.Images = append(reply.Images, Result{Data: data, MimeType: fallbackMime(part.InlineData.MimeType)})
			}
			// 部分网关返回文件地址而不是内联数据
			if part.FileData != nil && strings.TrimSpace(part.FileData.FileURI) != "" {
				reply.Images = append(reply.Images, Result{URL: strings.TrimSpace(part.FileData.FileURI), MimeType: part.FileData.MimeType})
			}
		}
	}
	reply.Text = strings.TrimSpace(reply.Text)

	logger.WithFields(logrus.Fields{
		"finish_reason": reply.FinishReason,
		"image_count":   len(reply.Images),
		"text_length":   len(reply.Text),
	}).Info("gemini_generate_content_done")
	return reply, nil
}

func appendLine(current, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return current
	}
	if current == "" {
		return next
	}
	return current + "\n" + next
}

func fallbackMime(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return "image/png"
	}
	return mimeType
}
