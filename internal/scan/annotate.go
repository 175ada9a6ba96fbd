package scan

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var matchGreen = color.RGBA{R: 0, G: 255, B: 0, A: 255}

const strokeWidth = 2

// annotateMatch draws a green box around the face location and stamps the
// detection timestamp next to it. loc is [top, right, bottom, left]; boxes
// partially outside the frame are clipped, malformed locations are ignored.
func annotateMatch(img *image.RGBA, loc []int, ts float64) {
	if len(loc) != 4 {
		return
	}
	top, right, bottom, left := loc[0], loc[1], loc[2], loc[3]
	if right <= left || bottom <= top {
		return
	}

	box := image.Rect(left, top, right, bottom)
	drawRect(img, box)
	drawLabel(img, box, fmt.Sprintf("%.1fs", ts))
}

// drawRect strokes the rectangle edges, clipped to the frame.
func drawRect(img *image.RGBA, r image.Rectangle) {
	bounds := img.Bounds()

	for t := 0; t < strokeWidth; t++ {
		fillRow(img, bounds, r.Min.X, r.Max.X, r.Min.Y+t)
		fillRow(img, bounds, r.Min.X, r.Max.X, r.Max.Y-1-t)
		fillCol(img, bounds, r.Min.Y, r.Max.Y, r.Min.X+t)
		fillCol(img, bounds, r.Min.Y, r.Max.Y, r.Max.X-1-t)
	}
}

func fillRow(img *image.RGBA, bounds image.Rectangle, x0, x1, y int) {
	if y < bounds.Min.Y || y >= bounds.Max.Y {
		return
	}
	for x := max(x0, bounds.Min.X); x < min(x1, bounds.Max.X); x++ {
		img.SetRGBA(x, y, matchGreen)
	}
}

func fillCol(img *image.RGBA, bounds image.Rectangle, y0, y1, x int) {
	if x < bounds.Min.X || x >= bounds.Max.X {
		return
	}
	for y := max(y0, bounds.Min.Y); y < min(y1, bounds.Max.Y); y++ {
		img.SetRGBA(x, y, matchGreen)
	}
}

// drawLabel writes the timestamp above the box, or inside its top edge when
// the box touches the top of the frame.
func drawLabel(img *image.RGBA, box image.Rectangle, text string) {
	ft := basicfont.Face7x13
	y := box.Min.Y - 4
	if y-ft.Ascent < img.Bounds().Min.Y {
		y = box.Min.Y + ft.Height + strokeWidth
	}

	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(matchGreen),
		Face: ft,
		Dot:  fixed.P(box.Min.X, y),
	}
	d.DrawString(text)
}
