package recorder

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	labelPadding = 3
	labelMargin  = 10
)

var (
	colorWhite = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	colorGreen = color.RGBA{G: 0xff, A: 0xff}
	colorRed   = color.RGBA{R: 0xff, A: 0xff}
	colorBlack = color.RGBA{A: 0xff}
)

// Elapsed returns the time shown on frame frameIndex of a recording with the given
// frame rate.
func Elapsed(frameIndex uint64, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(frameIndex) / fps * float64(time.Second))
}

// FormatElapsed formats d as MM:SS.mmm.
func FormatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d.%03d", ms/60000, (ms/1000)%60, ms%1000)
}

func formatClock(t time.Time) string {
	return t.Format("15:04:05.000")
}

// textScale returns the integer upscale factor for the 7x13 font.
func textScale(height int) int {
	return max(1, height/360)
}

type anchor int

const (
	topLeft anchor = iota
	topRight
	bottomLeft
)

// drawLabel renders text on a filled background box. The box is positioned
// relative to the given corner, line selects the text row counted from that corner.
//
//nolint:whitespace // can't make both editor and linter happy
func drawLabel(
	dst *image.RGBA, text string, fg color.Color, scale int, at anchor, line int,
) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 2*labelPadding
	h := face.Metrics().Height.Ceil() + 2*labelPadding

	label := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(label, label.Bounds(), image.NewUniform(colorBlack), image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  label,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(labelPadding, labelPadding+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	b := dst.Bounds()
	sw, sh := w*scale, h*scale
	offset := line * (sh + labelMargin/2)
	var origin image.Point
	switch at {
	case topLeft:
		origin = image.Pt(b.Min.X+labelMargin, b.Min.Y+labelMargin+offset)
	case topRight:
		origin = image.Pt(b.Max.X-labelMargin-sw, b.Min.Y+labelMargin+offset)
	case bottomLeft:
		origin = image.Pt(b.Min.X+labelMargin, b.Max.Y-labelMargin-sh-offset)
	}
	target := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(sw, sh))}
	xdraw.NearestNeighbor.Scale(dst, target, label, label.Bounds(), draw.Src, nil)
}

func drawElapsed(dst *image.RGBA, elapsed time.Duration) {
	drawLabel(dst, "Time: "+FormatElapsed(elapsed), colorWhite,
		textScale(dst.Bounds().Dy()), topLeft, 0)
}

func drawStartMarker(dst *image.RGBA, at time.Time) {
	scale := textScale(dst.Bounds().Dy())
	drawLabel(dst, "START", colorGreen, 2*scale, topRight, 0)
	// second row sits below the doubled START label
	drawLabel(dst, "Time: "+formatClock(at), colorWhite, scale, topRight, 2)
}

func drawFinishMarker(dst *image.RGBA, at time.Time) {
	scale := textScale(dst.Bounds().Dy())
	drawLabel(dst, "FINISH", colorRed, 2*scale, bottomLeft, 0)
	drawLabel(dst, "Time: "+formatClock(at), colorWhite, scale, bottomLeft, 2)
}

// fit returns img scaled to w x h. img is returned as is if it already has that size.
func fit(img *image.RGBA, w, h int) *image.RGBA {
	if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
