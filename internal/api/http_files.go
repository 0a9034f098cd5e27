package api

import (
	"petportrait/internal/apperr"
	"petportrait/internal/entity"

	"github.com/gin-gonic/gin"
)

// ListImages 分页列出调用方的图片，可按类型过滤
func (h *HTTPHandler) ListImages(c *gin.Context) {
	var params entity.ImageQuery
	if err := c.ShouldBindQuery(&params); err != nil {
		h.RenderError(c, apperr.Validation("invalid query parameters"))
		return
	}
	list, err := h.queries.ListImages(c.Request.Context(), CurrentIdentity(c).Owner, params)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	List(c, list.Items, list.Meta)
}

func (h *HTTPHandler) ImageStats(c *gin.Context) {
	stats, err := h.queries.Stats(c.Request.Context(), CurrentIdentity(c).Owner)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, stats)
}

// GetImage 返回单张图片，私有图片仅所有者可见
func (h *HTTPHandler) GetImage(c *gin.Context) {
	view, err := h.queries.GetImage(c.Request.Context(), CurrentIdentity(c).Owner, c.Param("filename"))
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, view)
}

// DeleteImage 软删除，文件由定时任务清理
func (h *HTTPHandler) DeleteImage(c *gin.Context) {
	filename := c.Param("filename")
	if err := h.queries.DeleteImage(c.Request.Context(), CurrentIdentity(c).Owner, filename); err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, gin.H{"filename": filename, "deleted": true})
}
