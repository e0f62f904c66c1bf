package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
)

// Placeholder dimensions used when no real frame is available
const (
	PlaceholderWidth  = 640
	PlaceholderHeight = 360
)

var (
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	shadow     = color.RGBA{A: 160}
)

// EncodeJPEG encodes img at the given quality (1-100)
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ToRGBA returns a mutable copy of img
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resize scales img to exactly w x h. An image already that size is returned unchanged.
func Resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// DrawText writes text with its baseline at (x, y)
func DrawText(img draw.Image, x, y int, text string, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func textWidth(text string) int {
	return font.MeasureString(basicfont.Face7x13, text).Ceil()
}

// DrawLabel writes text on a dark backing strip so it stays readable on any frame
func DrawLabel(img draw.Image, x, y int, text string) {
	w := textWidth(text)
	strip := image.Rect(x-2, y-11, x+w+2, y+4).Intersect(img.Bounds())
	draw.Draw(img, strip, image.NewUniform(shadow), image.Point{}, draw.Over)
	DrawText(img, x, y, text, labelColor)
}

// DrawTimestamp stamps t in the top-left corner
func DrawTimestamp(img draw.Image, t time.Time) {
	DrawLabel(img, 8, 18, t.Format("2006-01-02 15:04:05"))
}

// DrawRect outlines r with a line of the given thickness
func DrawRect(img draw.Image, r image.Rectangle, col color.Color, thickness int) {
	src := image.NewUniform(col)
	r = r.Canon()
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// DrawDetections outlines each detection and labels it with class and confidence
func DrawDetections(img draw.Image, detections []frame.Detection) {
	for _, d := range detections {
		r := image.Rect(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
		DrawRect(img, r, boxColor, 2)
		y := r.Canon().Min.Y - 4
		if y < 12 {
			y = r.Canon().Min.Y + 14
		}
		DrawLabel(img, r.Canon().Min.X+2, y, fmt.Sprintf("%s %.2f", d.Label, d.Confidence))
	}
}

// Placeholder builds a solid frame with centered text
func Placeholder(text string, bg color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, PlaceholderWidth, PlaceholderHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	x := (PlaceholderWidth - textWidth(text)) / 2
	if x < 4 {
		x = 4
	}
	DrawText(img, x, PlaceholderHeight/2, text, labelColor)
	return img
}

// NoSignalFrame is shown when a camera has not produced a frame yet
func NoSignalFrame(cameraName string) *image.RGBA {
	return Placeholder(fmt.Sprintf("%s - No Signal", cameraName), color.RGBA{R: 32, G: 32, B: 32, A: 255})
}

// ErrorFrame is shown when producing a frame failed
func ErrorFrame() *image.RGBA {
	return Placeholder("Error", color.RGBA{R: 96, G: 16, B: 16, A: 255})
}
