package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"petportrait/internal/utils"
)

const (
	maxResponseBytes = 4 << 20
	// DefaultMaxDownloadBytes 服务商结果下载的大小上限
	DefaultMaxDownloadBytes = 32 << 20
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doRequest 执行 req 并返回 2xx 响应的 body，超过 maxResponseBytes 视为异常响应
func doRequest(client *http.Client, vendor string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(vendor, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, transportError(vendor, err)
	}
	if len(body) > maxResponseBytes {
		return nil, newVendorError(vendor, FailureMalformed, resp.StatusCode,
			fmt.Sprintf("response too large: exceeds %d bytes", maxResponseBytes), nil)
	}
	if resp.StatusCode >= 400 {
		kind := FailureStatus
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			kind = FailureTimeout
		}
		return body, newVendorError(vendor, kind, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}
	return body, nil
}

func decodeJSON(vendor string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return newVendorError(vendor, FailureMalformed, 0, string(body), err)
	}
	return nil
}

// Download 获取结果图片。内联数据直接返回，data URL 解码，
// 其余通过 HTTP 下载，最多读取 maxBytes
func Download(ctx context.Context, client *http.Client, result *Result, maxBytes int64) ([]byte, string, error) {
	if result == nil {
		return nil, "", newVendorError("download", FailureMalformed, 0, "empty result", nil)
	}
	if len(result.Data) > 0 {
		return result.Data, detectMime(result.MimeType, result.Data), nil
	}
	target := strings.TrimSpace(result.URL)
	if target == "" {
		return nil, "", newVendorError("download", FailureMalformed, 0, "result has neither data nor url", nil)
	}
	if strings.HasPrefix(target, "data:") {
		data, mimeType, err := utils.DecodeImagePayload(target)
		if err != nil {
			return nil, "", newVendorError("download", FailureMalformed, 0, "", err)
		}
		return data, mimeType, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	if client == nil {
		client = newHTTPClient(0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", newVendorError("download", FailureMalformed, 0, "", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", transportError("download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", newVendorError("download", FailureStatus, resp.StatusCode, "", nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", transportError("download", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", newVendorError("download", FailureMalformed, 0, fmt.Sprintf("result exceeds %d bytes", maxBytes), nil)
	}
	if len(data) == 0 {
		return nil, "", newVendorError("download", FailureMalformed, 0, "empty result body", nil)
	}
	return data, detectMime(resp.Header.Get("Content-Type"), data), nil
}

func detectMime(declared string, data []byte) string {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return http.DetectContentType(data)
}
