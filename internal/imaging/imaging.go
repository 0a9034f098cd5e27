package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned when the bytes cannot be decoded as an image.
var ErrUnsupportedImage = errors.New("unsupported image format")

// Decode decodes any registered format (png, jpeg, gif, webp).
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrUnsupportedImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

// Thumbnail 将图片等比缩放到 maxSide 以内并编码为 JPEG；原图已足够小时不做缩放
func Thumbnail(data []byte, maxSide uint) ([]byte, string, error) {
	img, format, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	bounds := img.Bounds()
	if uint(bounds.Dx()) <= maxSide && uint(bounds.Dy()) <= maxSide {
		if format == "png" || format == "jpeg" {
			return data, "image/" + format, nil
		}
	} else {
		img = resize.Thumbnail(maxSide, maxSide, img, resize.Bilinear)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
