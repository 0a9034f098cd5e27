package entity

import (
	"petportrait/internal/entity/common"
)

type StringArray = common.StringArray
type JSONMap = common.JSONMap
type Meta = common.Meta
type BaseParams = common.BaseParams

// NewMeta 见 common.NewMeta
func NewMeta(total, page, limit int64) *Meta {
	return common.NewMeta(total, page, limit)
}
