package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrJobNotFound 服务商不认识请求号时由 Poll 返回
var ErrJobNotFound = errors.New("generation job not found")

// SubmitRequest 与服务商无关的图生图任务描述
type SubmitRequest struct {
	Image          []byte
	MimeType       string
	Filename       string
	Prompt         string
	NegativePrompt string
	Seed           int64
}

// Result 生成完成的图片，内联字节或下载地址
type Result struct {
	URL      string
	Data     []byte
	MimeType string
}

// Submission 服务商接受任务后的返回。异步服务商设置 RequestID，同步服务商设置 Result
type Submission struct {
	RequestID  string
	Result     *Result
	Parameters map[string]any
}

// PollResult 服务商报告的异步任务状态
type PollResult struct {
	Status   TaskStatus
	Progress float64
	Result   *Result
	Message  string
}

// Generator 每个图片服务商都要实现的能力
type Generator interface {
	Name() string
	Model() string
	// Async 表示 Submit 是否返回需要轮询的请求号
	Async() bool
	Submit(ctx context.Context, request SubmitRequest) (*Submission, error)
	Poll(ctx context.Context, requestID string) (*PollResult, error)
}

// FailureKind 服务商错误分类
type FailureKind string

const (
	FailureNetwork   FailureKind = "network"
	FailureTimeout   FailureKind = "timeout"
	FailureStatus    FailureKind = "status"
	FailureMalformed FailureKind = "malformed"
	FailureRejected  FailureKind = "rejected"
)

// VendorError 各服务商适配器统一返回的错误
type VendorError struct {
	Vendor     string
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	var b strings.Builder
	b.WriteString(e.Vendor)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *VendorError) Unwrap() error { return e.Err }

// Timeout 服务商是否未按时响应
func (e *VendorError) Timeout() bool { return e != nil && e.Kind == FailureTimeout }

func newVendorError(vendor string, kind FailureKind, status int, message string, err error) *VendorError {
	return &VendorError{Vendor: vendor, Kind: kind, StatusCode: status, Message: logSnippet(message), Err: err}
}

// transportError 对 HTTP 客户端的错误分类
func transportError(vendor string, err error) *VendorError {
	if isTimeout(err) {
		return newVendorError(vendor, FailureTimeout, 0, "", err)
	}
	return newVendorError(vendor, FailureNetwork, 0, "", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTimeout 判断 err 是否为服务商超时或 context 超时
func IsTimeout(err error) bool {
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		return vendorErr.Timeout()
	}
	return isTimeout(err)
}
