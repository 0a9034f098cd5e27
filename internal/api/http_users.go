package api

import (
	"strconv"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GrantCredits 管理员为用户充值积分
func (h *HTTPHandler) GrantCredits(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		h.RenderError(c, apperr.Validation("invalid user id"))
		return
	}
	var req entity.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	summary, err := h.credits.Grant(c.Request.Context(), uint(id), req.Amount)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"admin_id": CurrentIdentity(c).User.ID,
		"user_id":  id,
		"amount":   req.Amount,
	}).Info("admin_credit_grant")
	OK(c, summary)
}
