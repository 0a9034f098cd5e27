package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"petportrait/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

const (
	volcengineProviderID   = "volcengine"
	volcengineDefaultModel = "doubao-seedream-4-0-250828"
	volcengineImageSize    = "2K"
)

//文档:https://www.volcengine.com/docs/82379/1824121

// Volcengine 同步生成：流式接口返回即得到结果地址
type Volcengine struct {
	client *arkruntime.Client
	model  string
}

func NewVolcengine(cfg config.Config) (*Volcengine, error) {
	apiKey := strings.TrimSpace(cfg.VolcengineAPIKey)
	if apiKey == "" {
		return nil, errors.New("volcengine api key is not configured")
	}
	model := strings.TrimSpace(cfg.VolcengineModel)
	if model == "" {
		model = volcengineDefaultModel
	}
	options := []arkruntime.ConfigOption{}
	if cfg.VendorTimeout > 0 {
		options = append(options, arkruntime.WithTimeout(cfg.VendorTimeout))
	}
	return &Volcengine{
		client: arkruntime.NewClientWithApiKey(apiKey, options...),
		model:  model,
	}, nil
}

func (v *Volcengine) Name() string  { return volcengineProviderID }
func (v *Volcengine) Model() string { return v.model }
func (v *Volcengine) Async() bool   { return false }

func buildVolcengineRequest(model string, request SubmitRequest) volcModel.GenerateImagesRequest {
	mimeType := strings.TrimSpace(request.MimeType)
	if mimeType == "" {
		mimeType = http.DetectContentType(request.Image)
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(request.Image)

	var sequential volcModel.SequentialImageGeneration = "disabled"
	generateReq := volcModel.GenerateImagesRequest{
		Model:                     model,
		Prompt:                    request.Prompt,
		Image:                     []string{dataURL},
		Size:                      volcengine.String(volcengineImageSize),
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequential,
	}
	return generateReq
}

func (v *Volcengine) Submit(ctx context.Context, request SubmitRequest) (*Submission, error) {
	if len(request.Image) == 0 {
		return nil, newVendorError(volcengineProviderID, FailureRejected, 0, "image is required", nil)
	}
	logger := providerLogger(ctx, volcengineProviderID, v.model)
	logger.WithFields(logrus.Fields{
		"prompt_preview": logSnippet(request.Prompt),
		"image_bytes":    len(request.Image),
	}).Info("volcengine_generate_start")

	stream, err := v.client.GenerateImagesStreaming(ctx, buildVolcengineRequest(v.model, request))
	if err != nil {
		logger.WithError(err).Warn("volcengine_generate_failed")
		return nil, transportError(volcengineProviderID, err)
	}
	defer stream.Close()

	var resultURL, failure string
	for {
		recv, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, transportError(volcengineProviderID, err)
		}
		switch recv.Type {
		case "image_generation.partial_failed":
			if recv.Error != nil {
				failure = recv.Error.Message
				logger.WithField("code", recv.Error.Code).Warn("volcengine_partial_failed")
			}
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil && resultURL == "" {
				resultURL = strings.TrimSpace(*recv.Url)
			}
		}
	}

	if resultURL == "" {
		if failure == "" {
			failure = "volcengine returned no image"
		}
		return nil, newVendorError(volcengineProviderID, FailureRejected, 0, failure, nil)
	}
	logger.Info("volcengine_generate_succeeded")
	return &Submission{
		Result: &Result{URL: resultURL},
		Parameters: map[string]any{
			"model": v.model,
			"size":  volcengineImageSize,
		},
	}, nil
}

// Poll 同步服务商没有可查询的任务
func (v *Volcengine) Poll(context.Context, string) (*PollResult, error) {
	return nil, ErrJobNotFound
}

var _ Generator = (*Volcengine)(nil)
