package api

import (
	"errors"
	"net/http"
	"strings"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"

	"github.com/gin-gonic/gin"
)

// multipart 边界与表单字段的额外开销
const multipartSlack = 1 << 20

// ProcessImage 接收上传并提交生成任务
func (h *HTTPHandler) ProcessImage(c *gin.Context) {
	identity := CurrentIdentity(c)
	intake := h.generations.Intake
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, intake.MaxBytes()+multipartSlack)

	fh, err := c.FormFile("image")
	if err != nil {
		switch {
		case bodyTooLarge(err):
			h.RenderError(c, intake.TooLarge())
		case errors.Is(err, http.ErrMissingFile):
			h.RenderError(c, apperr.NewCode(apperr.KindValidation, apperr.CodeMissingFile, "No file uploaded"))
		default:
			h.RenderError(c, apperr.Wrap(apperr.KindValidation, "invalid multipart form", err))
		}
		return
	}

	result, err := h.generations.Process(c.Request.Context(), identity, fh)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	if result.Reused {
		OK(c, result)
		return
	}
	Created(c, result)
}

// PollGeneration 查询生成状态，未完成时向服务商刷新
func (h *HTTPHandler) PollGeneration(c *gin.Context) {
	view, err := h.generations.Poll(c.Request.Context(), CurrentIdentity(c), strings.TrimSpace(c.Param("requestId")))
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, view)
}

// CancelGeneration 取消未完成的生成并退还积分
func (h *HTTPHandler) CancelGeneration(c *gin.Context) {
	view, err := h.generations.Cancel(c.Request.Context(), CurrentIdentity(c), strings.TrimSpace(c.Param("requestId")))
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, view)
}

// ListGenerations 分页列出调用方的生成记录
func (h *HTTPHandler) ListGenerations(c *gin.Context) {
	var params entity.GenerationQuery
	if err := c.ShouldBindQuery(&params); err != nil {
		h.RenderError(c, apperr.Validation("invalid query parameters"))
		return
	}
	identity := CurrentIdentity(c)
	list, err := h.queries.ListGenerations(c.Request.Context(), identity.Owner, params)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	List(c, list.Items, list.Meta)
}
