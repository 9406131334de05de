package entity

import "errors"

// ErrListNotFound 列表不存在或已删除
var ErrListNotFound = errors.New("list not found")
