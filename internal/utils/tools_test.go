package utils

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestSplitDataURL(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		wantMime string
		wantData string
	}{
		{name: "标准 data url", value: "data:image/png;base64,AAA", wantMime: "image/png", wantData: "AAA"},
		{name: "裸 base64", value: "BBB", wantMime: "", wantData: "BBB"},
		{name: "缺少 base64 标记", value: "data:image/png,AAA", wantMime: "", wantData: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data := SplitDataURL(tt.value)
			if mime != tt.wantMime || data != tt.wantData {
				t.Fatalf("got (%q, %q), want (%q, %q)", mime, data, tt.wantMime, tt.wantData)
			}
		})
	}
}

func TestExtensionFromMime(t *testing.T) {
	tests := map[string]string{
		"image/png":                "png",
		"image/jpeg":               "jpg",
		"IMAGE/JPG":                "jpg",
		"image/webp; charset=utf8": "webp",
		"image/gif":                "gif",
		"image/bmp":                "",
		"application/pdf":          "",
		"":                         "",
	}
	for input, want := range tests {
		if got := ExtensionFromMime(input); got != want {
			t.Errorf("ExtensionFromMime(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDecodeImagePayload(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	encoded := base64.StdEncoding.EncodeToString(png)

	t.Run("内容嗅探优先于声明类型", func(t *testing.T) {
		data, mime, err := DecodeImagePayload("data:image/webp;base64," + encoded)
		if err != nil {
			t.Fatal(err)
		}
		if mime != "image/png" || len(data) != len(png) {
			t.Fatalf("unexpected result mime=%s len=%d", mime, len(data))
		}
	})
	t.Run("裸 base64 按内容识别", func(t *testing.T) {
		_, mime, err := DecodeImagePayload(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if mime != "image/png" {
			t.Fatalf("expected image/png, got %s", mime)
		}
	})
	t.Run("无填充 base64", func(t *testing.T) {
		raw := base64.RawStdEncoding.EncodeToString(png)
		if _, _, err := DecodeImagePayload(raw); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("未知内容回退到声明类型", func(t *testing.T) {
		opaque := base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0x02, 0x03})
		_, mime, err := DecodeImagePayload("data:image/webp;base64," + opaque)
		if err != nil {
			t.Fatal(err)
		}
		if mime != "image/webp" {
			t.Fatalf("expected image/webp, got %s", mime)
		}
	})
	t.Run("不是图片", func(t *testing.T) {
		text := base64.StdEncoding.EncodeToString([]byte("hello world"))
		if _, _, err := DecodeImagePayload(text); !errors.Is(err, ErrNotImage) {
			t.Fatalf("expected ErrNotImage, got %v", err)
		}
	})
	t.Run("空负载", func(t *testing.T) {
		if _, _, err := DecodeImagePayload("   "); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("非法 base64", func(t *testing.T) {
		if _, _, err := DecodeImagePayload("data:image/png;base64,@@@"); err == nil {
			t.Fatal("expected error")
		}
	})
}
