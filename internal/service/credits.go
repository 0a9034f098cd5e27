package service

import (
	"context"
	"errors"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"
	"petportrait/internal/model"

	"github.com/sirupsen/logrus"
)

const msgInsufficientCredits = "insufficient credits"

// CreditService 处理生成流程之外的积分调整
type CreditService struct {
	repo model.Repository
}

func NewCreditService(repo model.Repository) *CreditService {
	return &CreditService{repo: repo}
}

// Grant 给用户增加积分并返回更新后的汇总
func (s *CreditService) Grant(ctx context.Context, userID uint, amount int) (*entity.UserSummary, error) {
	if userID == 0 {
		return nil, apperr.Validation("invalid user id")
	}
	if amount <= 0 {
		return nil, apperr.Validation("amount must be a positive integer")
	}
	user, err := s.repo.AdjustUserCredits(ctx, userID, amount)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal("failed to grant credits", err)
	}
	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  amount,
		"balance": user.Credits,
	}).Info("credits_granted")
	summary := user.Summary()
	return &summary, nil
}

// insufficientCredits 构造 402 错误，详情里带上当前余额
func insufficientCredits(ctx context.Context, repo model.Repository, userID uint, cost int, cause error) error {
	details := map[string]any{"required": cost}
	if user, err := repo.GetUserByID(ctx, userID); err == nil {
		details["balance"] = user.Credits
	}
	return apperr.WrapCode(apperr.KindInsufficientCredits, apperr.CodeInsufficientCredits, msgInsufficientCredits, cause).
		WithDetails(details)
}

// debitError 转换扣费失败的错误
func debitError(ctx context.Context, repo model.Repository, owner entity.Owner, cost int, err error) error {
	switch {
	case errors.Is(err, model.ErrInsufficientCredits):
		return insufficientCredits(ctx, repo, owner.UserID, cost, err)
	case model.IsNotFound(err):
		return apperr.NotFound("user not found")
	default:
		return apperr.Internal("failed to create generation", err)
	}
}
