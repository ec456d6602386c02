package regmap

import "errors"

var (
	ErrConfig    = errors.New("invalid register map configuration")
	ErrBitRange  = errors.New("field does not fit in register word")
	ErrOverlap   = errors.New("field bits overlap")
	ErrDuplicate = errors.New("duplicate name")
	ErrNotFound  = errors.New("not found")
)
