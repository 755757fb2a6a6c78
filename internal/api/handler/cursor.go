package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/metals-aggregator/internal/api/storage"
)

const productCursorPrefix = "seq|"

func DecodeProductCursor(cursorStr string) (*storage.ProductCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	raw, ok := strings.CutPrefix(string(decoded), productCursorPrefix)
	if !ok {
		return nil, fmt.Errorf("invalid cursor format")
	}

	seq, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid seq in cursor: %w", err)
	}
	if seq < 0 {
		return nil, fmt.Errorf("invalid seq in cursor: %d", seq)
	}

	return &storage.ProductCursor{Seq: seq}, nil
}

func EncodeProductCursor(cursor *storage.ProductCursor) string {
	cs := productCursorPrefix + strconv.Itoa(cursor.Seq)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
