package models

import (
	"encoding/base64"
	"strconv"

	"github.com/sustainafood/sustainafood_backend/utils"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type PageInfo struct {
	StartCursor string `json:"startCursor"`
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// EncodeCursor turns a row id into an opaque cursor.
func EncodeCursor(id int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(id)))
}

// DecodeCursor returns 0 for a nil or empty cursor.
func DecodeCursor(cursor *string) (int, error) {
	if cursor == nil || *cursor == "" {
		return 0, nil
	}
	b, err := base64.StdEncoding.DecodeString(*cursor)
	if err != nil {
		return 0, utils.ValidationError("invalid cursor")
	}
	id, err := strconv.Atoi(string(b))
	if err != nil || id < 0 {
		return 0, utils.ValidationError("invalid cursor")
	}
	return id, nil
}

// ClampPageSize maps non-positive sizes to the default and caps the rest.
func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
