package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"petportrait/internal/config"

	"github.com/sirupsen/logrus"
)

const (
	deapiProviderID     = "deapi"
	deapiDefaultBaseURL = "https://api.deapi.ai/api/v1/client"
	deapiDefaultModel   = "QwenImageEdit_Plus_NF4"
	deapiDefaultSteps   = 20
)

// DeAPI 提交 img2img 任务并轮询 request-status
type DeAPI struct {
	apiKey     string
	baseURL    string
	model      string
	steps      int
	httpClient *http.Client
}

func NewDeAPI(cfg config.Config) (*DeAPI, error) {
	apiKey := strings.TrimSpace(cfg.DeAPIKey)
	if apiKey == "" {
		return nil, errors.New("deapi api key is not configured")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.DeAPIBaseURL), "/")
	if baseURL == "" {
		baseURL = deapiDefaultBaseURL
	}
	model := strings.TrimSpace(cfg.DeAPIModel)
	if model == "" {
		model = deapiDefaultModel
	}
	steps := cfg.DeAPISteps
	if steps <= 0 {
		steps = deapiDefaultSteps
	}
	return &DeAPI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		steps:      steps,
		httpClient: newHTTPClient(cfg.VendorTimeout),
	}, nil
}

func (d *DeAPI) Name() string  { return deapiProviderID }
func (d *DeAPI) Model() string { return d.model }
func (d *DeAPI) Async() bool   { return true }

type deapiEnvelope struct {
	Data struct {
		RequestID string   `json:"request_id"`
		Status    string   `json:"status"`
		ResultURL string   `json:"result_url"`
		Progress  *float64 `json:"progress"`
		Error     string   `json:"error"`
	} `json:"data"`
	Message string `json:"message"`
}

func (d *DeAPI) Submit(ctx context.Context, request SubmitRequest) (*Submission, error) {
	if len(request.Image) == 0 {
		return nil, newVendorError(deapiProviderID, FailureRejected, 0, "image is required", nil)
	}
	seed := request.Seed
	if seed <= 0 {
		seed = rand.Int64N(1000000)
	}
	logger := providerLogger(ctx, deapiProviderID, d.model)
	logger.WithFields(logrus.Fields{
		"prompt_preview": logSnippet(request.Prompt),
		"image_bytes":    len(request.Image),
		"seed":           seed,
	}).Info("deapi_submit_start")

	body, contentType, err := d.buildForm(request, seed)
	if err != nil {
		return nil, newVendorError(deapiProviderID, FailureMalformed, 0, "build form", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/img2img", body)
	if err != nil {
		return nil, newVendorError(deapiProviderID, FailureMalformed, 0, "create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	raw, err := doRequest(d.httpClient, deapiProviderID, req)
	if err != nil {
		logger.WithError(err).Warn("deapi_submit_failed")
		return nil, err
	}
	var envelope deapiEnvelope
	if err := decodeJSON(deapiProviderID, raw, &envelope); err != nil {
		return nil, err
	}
	requestID := strings.TrimSpace(envelope.Data.RequestID)
	if requestID == "" {
		return nil, newVendorError(deapiProviderID, FailureMalformed, 0, "response has no request_id", nil)
	}
	logger.WithFields(logrus.Fields{
		"request_id":  requestID,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("deapi_submit_accepted")

	return &Submission{
		RequestID: requestID,
		Parameters: map[string]any{
			"model": d.model,
			"seed":  seed,
			"steps": d.steps,
		},
	}, nil
}

func (d *DeAPI) buildForm(request SubmitRequest, seed int64) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := strings.TrimSpace(request.Filename)
	if filename == "" {
		filename = "image.png"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(filename)))
	mimeType := strings.TrimSpace(request.MimeType)
	if mimeType == "" {
		mimeType = http.DetectContentType(request.Image)
	}
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(request.Image); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"prompt", request.Prompt},
		{"model", d.model},
		{"seed", strconv.FormatInt(seed, 10)},
		{"steps", strconv.Itoa(d.steps)},
	}
	if neg := strings.TrimSpace(request.NegativePrompt); neg != "" {
		fields = append(fields, [2]string{"negative_prompt", neg})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// Poll 只要出现 result_url 就视为成功
func (d *DeAPI) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, ErrJobNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/request-status/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, newVendorError(deapiProviderID, FailureMalformed, 0, "create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Accept", "application/json")

	raw, err := doRequest(d.httpClient, deapiProviderID, req)
	if err != nil {
		var vendorErr *VendorError
		if errors.As(err, &vendorErr) && vendorErr.StatusCode == http.StatusNotFound {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var envelope deapiEnvelope
	if err := decodeJSON(deapiProviderID, raw, &envelope); err != nil {
		return nil, err
	}

	data := envelope.Data
	result := &PollResult{Status: MapTaskStatus(data.Status)}
	if data.Progress != nil {
		result.Progress = *data.Progress
	}
	if resultURL := strings.TrimSpace(data.ResultURL); resultURL != "" {
		result.Status = TaskStatusSucceeded
		result.Progress = 100
		result.Result = &Result{URL: resultURL}
		return result, nil
	}
	if result.Status == TaskStatusSucceeded {
		// 完成但没有结果地址，按处理中继续轮询
		result.Status = TaskStatusRunning
	}
	if result.Status == TaskStatusFailed || result.Status == TaskStatusCancelled {
		result.Message = strings.TrimSpace(data.Error)
		if result.Message == "" {
			result.Message = strings.TrimSpace(envelope.Message)
		}
	}
	return result, nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}

var _ Generator = (*DeAPI)(nil)
