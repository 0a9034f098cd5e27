package imaging

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	DefaultWatermarkText    = "AI Generator"
	DefaultWatermarkOpacity = 0.3

	tileWidth    = 400.0
	tileHeight   = 200.0
	tileBaseline = 150.0
	tileAngle    = -30.0
	minFontSize  = 8.0
)

// Watermarker 在图片上平铺半透明文字，输出 PNG
type Watermarker struct {
	text    string
	opacity float64
	font    *truetype.Font
}

func NewWatermarker(text string, opacity float64) (*Watermarker, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultWatermarkText
	}
	if opacity < 0 || opacity > 1 {
		return nil, fmt.Errorf("watermark opacity must be within [0,1], got %v", opacity)
	}
	parsed, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse watermark font: %w", err)
	}
	return &Watermarker{text: text, opacity: opacity, font: parsed}, nil
}

// FontSize follows the width of the image, floor(width/18).
func FontSize(width int) float64 {
	size := math.Floor(float64(width) / 18)
	if size < minFontSize {
		return minFontSize
	}
	return size
}

// Apply decodes data, draws the tiled text and returns the PNG encoding. The
// source bytes are never modified.
func (w *Watermarker) Apply(data []byte) ([]byte, error) {
	if w == nil {
		return nil, errors.New("watermarker is not initialised")
	}
	src, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()
	width, height := float64(bounds.Dx()), float64(bounds.Dy())

	dc := gg.NewContextForImage(src)
	// face 不是并发安全的，每次调用单独创建
	dc.SetFontFace(truetype.NewFace(w.font, &truetype.Options{Size: FontSize(bounds.Dx()), DPI: 72}))
	dc.SetRGBA(1, 1, 1, w.opacity)

	// 旋转后仍需铺满整张图，按对角线长度扩展平铺范围
	diagonal := math.Hypot(width, height)
	dc.Push()
	dc.RotateAbout(gg.Radians(tileAngle), width/2, height/2)
	for y := -diagonal; y < height+diagonal; y += tileHeight {
		for x := -diagonal; x < width+diagonal; x += tileWidth {
			dc.DrawString(w.text, x, y+tileBaseline)
		}
	}
	dc.Pop()

	return encodePNG(dc.Image())
}
