package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotImage 负载解码成功但内容不是图片
var ErrNotImage = errors.New("payload is not an image")

// DecodeImagePayload 解码 data URL 或裸 base64 图片，返回原始字节与 MIME 类型。
// 以内容嗅探为准，嗅探不出图片时才信任声明的类型。
func DecodeImagePayload(payload string) ([]byte, string, error) {
	declared, encoded := SplitDataURL(strings.TrimSpace(payload))
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, "", fmt.Errorf("empty image payload")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// 部分服务商返回无填充的 base64
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, "", fmt.Errorf("decode base64: %w", err)
		}
		data = raw
	}

	sniffed := strings.SplitN(http.DetectContentType(data), ";", 2)[0]
	switch {
	case ExtensionFromMime(sniffed) != "":
		return data, sniffed, nil
	case ExtensionFromMime(declared) != "":
		return data, strings.ToLower(declared), nil
	default:
		return nil, "", ErrNotImage
	}
}
