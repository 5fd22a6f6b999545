package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// 串流訊息中存放資料的欄位
const messageField = "data"

var (
	ErrPointerType    = errors.New("pointer type is not allowed")
	ErrMissingMessage = errors.New("data field not found or invalid type")
)

// EncodeMessage 以 msgpack 序列化資料，並以 base64 編碼放進串流訊息
func EncodeMessage[T any](data T) (map[string]any, error) {
	if t := reflect.TypeOf(data); t != nil && t.Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{
		messageField: base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DecodeMessage 將串流訊息還原成資料
// 空訊息回傳零值
func DecodeMessage[T any](message map[string]any) (T, error) {
	var result T
	if t := reflect.TypeOf(result); t != nil && t.Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	if len(message) == 0 {
		return result, nil
	}

	encoded, ok := message[messageField].(string)
	if !ok {
		return result, ErrMissingMessage
	}
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}
