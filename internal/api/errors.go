package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ResponseMeta 每个响应都带的元信息
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse 成功响应
type APIResponse struct {
	Success    bool         `json:"success"`
	Data       any          `json:"data,omitempty"`
	Pagination *entity.Meta `json:"pagination,omitempty"`
	Metadata   ResponseMeta `json:"metadata"`
}

// APIError 统一的错误响应结构
type APIError struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error"`
	Code     string         `json:"code"`
	Details  map[string]any `json:"details,omitempty"`
	Metadata ResponseMeta   `json:"metadata"`
}

func meta() ResponseMeta {
	return ResponseMeta{Timestamp: time.Now().UTC()}
}

// OK 返回 200 成功信封
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data, Metadata: meta()})
}

// Created 返回 201 成功信封
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: data, Metadata: meta()})
}

// List 返回带分页信息的列表
func List(c *gin.Context, data any, page *entity.Meta) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data, Pagination: page, Metadata: meta()})
}

// ErrorResponse 返回统一格式的错误响应
func ErrorResponse(c *gin.Context, status int, code string, message string) {
	c.AbortWithStatusJSON(status, APIError{Error: message, Code: code, Metadata: meta()})
}

// ErrorResponseWithDetails 返回带详情的错误响应
func ErrorResponseWithDetails(c *gin.Context, status int, code string, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, APIError{Error: message, Code: code, Details: details, Metadata: meta()})
}

// BadRequest 400 错误请求
func BadRequest(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, apperr.CodeInvalidRequest, message)
}

// InvalidPayload 无效的请求体
func InvalidPayload(c *gin.Context) {
	BadRequest(c, "invalid request payload")
}

// Unauthorized 401 未授权
func Unauthorized(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, apperr.CodeUnauthorized, message)
}

// Forbidden 403 禁止访问
func Forbidden(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusForbidden, apperr.CodeForbidden, message)
}

// RenderError 把服务层错误映射为 HTTP 响应。
// 未分类的错误按 500 处理，非生产环境附带原始错误信息。
func (h *HTTPHandler) RenderError(c *gin.Context, err error) {
	renderError(c, err, !h.cfg.IsProduction())
}

func renderError(c *gin.Context, err error, exposeCause bool) {
	if err == nil {
		return
	}
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal("internal server error", err)
	}

	entry := logrus.WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"kind":   appErr.Kind.String(),
		"code":   appErr.Code,
	})
	if appErr.Kind == apperr.KindInternal {
		entry.WithError(err).Error("request_failed")
	} else {
		entry.WithError(err).Debug("request_rejected")
	}

	var details map[string]any
	if len(appErr.Details) > 0 {
		details = make(map[string]any, len(appErr.Details)+1)
		for k, v := range appErr.Details {
			details[k] = v
		}
	}
	if exposeCause && appErr.Err != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["cause"] = appErr.Err.Error()
	}

	message := appErr.Message
	if appErr.Kind == apperr.KindInternal && !exposeCause {
		message = "internal server error"
	}
	ErrorResponseWithDetails(c, appErr.Kind.HTTPStatus(), appErr.Code, message, details)
}

// bodyTooLarge 识别 http.MaxBytesReader 截断请求体后的错误
func bodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "request body too large")
}
