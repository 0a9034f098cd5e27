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

	"petportrait/internal/config"
	"petportrait/internal/utils"

	"github.com/sirupsen/logrus"
)

const (
	falProviderID     = "fal"
	falDefaultBaseURL = "https://queue.fal.run"
	falDefaultModel   = "fal-ai/qwen-image-edit"
)

// FalAI 对接 fal.ai 队列接口，提交后查询状态再取结果
type FalAI struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewFalAI(cfg config.Config) (*FalAI, error) {
	apiKey := strings.TrimSpace(cfg.FalAPIKey)
	if apiKey == "" {
		return nil, errors.New("fal.ai api key is not configured")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.FalBaseURL), "/")
	if baseURL == "" {
		baseURL = falDefaultBaseURL
	}
	model := strings.Trim(strings.TrimSpace(cfg.FalModel), "/")
	if model == "" {
		model = falDefaultModel
	}
	return &FalAI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: newHTTPClient(cfg.VendorTimeout),
	}, nil
}

func (f *FalAI) Name() string  { return falProviderID }
func (f *FalAI) Model() string { return f.model }
func (f *FalAI) Async() bool   { return true }

// appID 去掉 endpoint 子路径，status 与 result 挂在 owner/app 下
func (f *FalAI) appID() string {
	parts := strings.SplitN(f.model, "/", 3)
	if len(parts) < 2 {
		return f.model
	}
	return parts[0] + "/" + parts[1]
}

func (f *FalAI) newRequest(ctx context.Context, method, target string, payload any) (*http.Request, error) {
	var body *bytes.Reader
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, newVendorError(falProviderID, FailureMalformed, 0, "marshal request", err)
		}
		body = bytes.NewReader(bs)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return nil, newVendorError(falProviderID, FailureMalformed, 0, "create request", err)
	}
	req.Header.Set("Authorization", "Key "+f.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (f *FalAI) Submit(ctx context.Context, request SubmitRequest) (*Submission, error) {
	if len(request.Image) == 0 {
		return nil, newVendorError(falProviderID, FailureRejected, 0, "image is required", nil)
	}
	prompt := strings.TrimSpace(request.Prompt)
	if prompt == "" {
		return nil, newVendorError(falProviderID, FailureRejected, 0, "prompt is required", nil)
	}

	mimeType := strings.TrimSpace(request.MimeType)
	if mimeType == "" {
		mimeType = http.DetectContentType(request.Image)
	}
	input := map[string]any{
		"prompt":     prompt,
		"image_url":  "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(request.Image),
		"num_images": 1,
	}
	if neg := strings.TrimSpace(request.NegativePrompt); neg != "" {
		input["negative_prompt"] = neg
	}
	if request.Seed > 0 {
		input["seed"] = request.Seed
	}

	logger := providerLogger(ctx, falProviderID, f.model)
	logger.WithFields(logrus.Fields{
		"prompt_preview": logSnippet(prompt),
		"image_bytes":    len(request.Image),
	}).Info("falai_submit_start")

	req, err := f.newRequest(ctx, http.MethodPost, f.baseURL+"/"+f.model, input)
	if err != nil {
		return nil, err
	}
	raw, err := doRequest(f.httpClient, falProviderID, req)
	if err != nil {
		logger.WithError(err).Warn("falai_submit_failed")
		return nil, err
	}

	var submission falSubmissionResponse
	if err := decodeJSON(falProviderID, raw, &submission); err != nil {
		return nil, err
	}
	envelope := submission.toEnvelope()
	if envelope.Error != nil {
		return nil, newVendorError(falProviderID, FailureRejected, 0, envelope.Error.Message, nil)
	}
	requestID := strings.TrimSpace(submission.RequestID)
	if requestID == "" {
		return nil, newVendorError(falProviderID, FailureMalformed, 0, "response has no request_id", nil)
	}
	logger.WithField("request_id", requestID).Info("falai_submit_accepted")

	params := map[string]any{"model": f.model}
	if request.Seed > 0 {
		params["seed"] = request.Seed
	}
	return &Submission{RequestID: requestID, Parameters: params}, nil
}

type falStatusResponse struct {
	Status        string       `json:"status"`
	QueuePosition *int         `json:"queue_position"`
	Error         *falAPIError `json:"error"`
}

func (f *FalAI) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, ErrJobNotFound
	}
	base := f.baseURL + "/" + f.appID() + "/requests/" + url.PathEscape(requestID)

	req, err := f.newRequest(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return nil, err
	}
	raw, err := doRequest(f.httpClient, falProviderID, req)
	if err != nil {
		var vendorErr *VendorError
		if errors.As(err, &vendorErr) && vendorErr.StatusCode == http.StatusNotFound {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var status falStatusResponse
	if err := decodeJSON(falProviderID, raw, &status); err != nil {
		return nil, err
	}

	mapped := MapTaskStatus(status.Status)
	switch mapped {
	case TaskStatusPending, TaskStatusRunning:
		progress := 0.0
		if mapped == TaskStatusRunning {
			progress = 50
		}
		return &PollResult{Status: mapped, Progress: progress}, nil
	case TaskStatusFailed, TaskStatusCancelled:
		message := "fal.ai job " + string(mapped)
		if status.Error != nil && status.Error.Message != "" {
			message = status.Error.Message
		}
		return &PollResult{Status: mapped, Message: message}, nil
	}

	req, err = f.newRequest(ctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, err
	}
	raw, err = doRequest(f.httpClient, falProviderID, req)
	if err != nil {
		var vendorErr *VendorError
		// 结果接口返回 4xx 说明任务本身失败（如输入校验不通过）
		if errors.As(err, &vendorErr) && vendorErr.StatusCode >= 400 && vendorErr.StatusCode < 500 {
			return &PollResult{Status: TaskStatusFailed, Message: vendorErr.Message}, nil
		}
		return nil, err
	}
	var envelope falGenerationEnvelope
	if err := decodeJSON(falProviderID, raw, &envelope); err != nil {
		return nil, err
	}
	envelope.mergeInner()
	if envelope.Error != nil {
		return &PollResult{Status: TaskStatusFailed, Message: envelope.Error.Message}, nil
	}
	result := f.firstResult(&envelope)
	if result == nil {
		return &PollResult{Status: TaskStatusFailed, Message: "fal.ai completed without images"}, nil
	}
	return &PollResult{Status: TaskStatusSucceeded, Progress: 100, Result: result}, nil
}

func (f *FalAI) firstResult(envelope *falGenerationEnvelope) *Result {
	for _, img := range f.collectImagePayloads(envelope) {
		if u := strings.TrimSpace(img.firstURL()); u != "" {
			return &Result{URL: u, MimeType: img.ContentType}
		}
		if payload := strings.TrimSpace(img.firstBase64()); payload != "" {
			data, mimeType, err := utils.DecodeImagePayload(payload)
			if err != nil {
				continue
			}
			return &Result{Data: data, MimeType: mimeType}
		}
	}
	return nil
}

func (f *FalAI) collectImagePayloads(envelope *falGenerationEnvelope) []falImagePayload {
	if envelope == nil {
		return nil
	}

	payloads := make([]falImagePayload, 0, len(envelope.Images)+len(envelope.Output)+len(envelope.Outputs)+len(envelope.Data)+len(envelope.Result)+len(envelope.Variants))
	payloads = append(payloads, envelope.Images...)
	payloads = append(payloads, envelope.Output...)
	payloads = append(payloads, envelope.Outputs...)
	payloads = append(payloads, envelope.Data...)
	payloads = append(payloads, envelope.Result...)
	payloads = append(payloads, envelope.Variants...)

	if envelope.Response != nil {
		payloads = append(payloads, envelope.Response.Images...)
		payloads = append(payloads, envelope.Response.Output...)
		payloads = append(payloads, envelope.Response.Outputs...)
		payloads = append(payloads, envelope.Response.Data...)
		payloads = append(payloads, envelope.Response.Result...)
		payloads = append(payloads, envelope.Response.Variants...)
	}

	return payloads
}

type falImagePayload struct {
	URL         string `json:"url"`
	ImageURL    string `json:"image_url"`
	ContentType string `json:"content_type"`
	Base64      string `json:"base64"`
	Data        string `json:"data"`
	B64JSON     string `json:"b64_json"`
}

func (p *falImagePayload) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var url string
		if err := json.Unmarshal(data, &url); err != nil {
			return err
		}
		p.URL = url
		return nil
	}

	type rawMap map[string]any
	var payload rawMap
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	if v, ok := payload["url"].(string); ok {
		p.URL = v
	}
	if v, ok := payload["image_url"].(string); ok {
		if p.URL == "" {
			p.URL = v
		}
		p.ImageURL = v
	}
	if v, ok := payload["uri"].(string); ok && p.URL == "" {
		p.URL = v
	}
	if v, ok := payload["href"].(string); ok && p.URL == "" {
		p.URL = v
	}
	if v, ok := payload["signed_url"].(string); ok && p.URL == "" {
		p.URL = v
	}
	if v, ok := payload["content_type"].(string); ok {
		p.ContentType = v
	}
	if v, ok := payload["base64"].(string); ok {
		p.Base64 = v
	}
	if v, ok := payload["image_base64"].(string); ok && p.Base64 == "" {
		p.Base64 = v
	}
	if v, ok := payload["base64_data"].(string); ok && p.Base64 == "" {
		p.Base64 = v
	}
	if v, ok := payload["data"].(string); ok {
		p.Data = v
	}
	if v, ok := payload["b64_json"].(string); ok {
		p.B64JSON = v
	}

	return nil
}

func (p falImagePayload) firstURL() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	return p.ImageURL
}

func (p falImagePayload) firstBase64() string {
	if strings.TrimSpace(p.Base64) != "" {
		return p.Base64
	}
	if strings.TrimSpace(p.Data) != "" {
		return p.Data
	}
	return p.B64JSON
}

type falGenerationEnvelope struct {
	RequestID  string            `json:"request_id"`
	Status     string            `json:"status"`
	Images     []falImagePayload `json:"images"`
	Output     []falImagePayload `json:"output"`
	Outputs    []falImagePayload `json:"outputs"`
	Data       []falImagePayload `json:"data"`
	Result     []falImagePayload `json:"result"`
	Variants   []falImagePayload `json:"variants"`
	Text       string            `json:"text"`
	Message    string            `json:"message"`
	OutputText string            `json:"output_text"`
	Error      *falAPIError      `json:"error"`
	Response   *falInnerResponse `json:"response"`
}

func (e *falGenerationEnvelope) mergeInner() {
	if e == nil || e.Response == nil {
		return
	}
	inner := e.Response
	if inner.Status != "" {
		e.Status = inner.Status
	}
	if e.Error == nil && inner.Error != nil {
		e.Error = inner.Error
	}
	if e.Text == "" {
		e.Text = inner.Text
	}
	if e.Message == "" {
		e.Message = inner.Message
	}
	if e.OutputText == "" {
		e.OutputText = inner.OutputText
	}
}

type falInnerResponse struct {
	Status     string            `json:"status"`
	Images     []falImagePayload `json:"images"`
	Output     []falImagePayload `json:"output"`
	Outputs    []falImagePayload `json:"outputs"`
	Data       []falImagePayload `json:"data"`
	Result     []falImagePayload `json:"result"`
	Variants   []falImagePayload `json:"variants"`
	Text       string            `json:"text"`
	Message    string            `json:"message"`
	OutputText string            `json:"output_text"`
	Error      *falAPIError      `json:"error"`
}

type falSubmissionResponse struct {
	RequestID   string            `json:"request_id"`
	Status      string            `json:"status"`
	StatusURL   string            `json:"status_url"`
	ResponseURL string            `json:"response_url"`
	Images      []falImagePayload `json:"images"`
	Output      []falImagePayload `json:"output"`
	Outputs     []falImagePayload `json:"outputs"`
	Data        []falImagePayload `json:"data"`
	Result      []falImagePayload `json:"result"`
	Variants    []falImagePayload `json:"variants"`
	Text        string            `json:"text"`
	Message     string            `json:"message"`
	OutputText  string            `json:"output_text"`
	Error       *falAPIError      `json:"error"`
	Response    *falInnerResponse `json:"response"`
}

func (s falSubmissionResponse) toEnvelope() *falGenerationEnvelope {
	envelope := &falGenerationEnvelope{
		RequestID:  s.RequestID,
		Status:     s.Status,
		Images:     append([]falImagePayload(nil), s.Images...),
		Output:     append([]falImagePayload(nil), s.Output...),
		Outputs:    append([]falImagePayload(nil), s.Outputs...),
		Data:       append([]falImagePayload(nil), s.Data...),
		Result:     append([]falImagePayload(nil), s.Result...),
		Variants:   append([]falImagePayload(nil), s.Variants...),
		Text:       s.Text,
		Message:    s.Message,
		OutputText: s.OutputText,
		Error:      s.Error,
		Response:   s.Response,
	}
	envelope.mergeInner()
	return envelope
}

type falAPIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var _ Generator = (*FalAI)(nil)
