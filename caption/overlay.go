package caption

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelColor defines the colors for one label's boxes
type LabelColor struct {
	Fill   color.NRGBA
	Border color.NRGBA
}

// OverlayColors defines the palette for a frame overlay
type OverlayColors struct {
	In        LabelColor
	Out       LabelColor
	Annotated color.NRGBA // Border override for human-labeled boxes
	Band      color.NRGBA // Caption band tint
	BG        color.NRGBA
}

// DefaultOverlayColors returns the standard annotation UI palette
func DefaultOverlayColors() OverlayColors {
	return OverlayColors{
		In: LabelColor{
			Fill:   color.NRGBA{46, 160, 67, 70},   // Green, translucent
			Border: color.NRGBA{35, 134, 54, 255},  // Dark green
		},
		Out: LabelColor{
			Fill:   color.NRGBA{248, 81, 73, 50},   // Red, translucent
			Border: color.NRGBA{218, 54, 51, 255},  // Dark red
		},
		Annotated: color.NRGBA{255, 215, 0, 255},   // Gold
		Band:      color.NRGBA{88, 166, 255, 28},   // Blue, faint
		BG:        color.NRGBA{240, 240, 240, 255},
	}
}

// OverlayRenderer renders one frame's boxes with their predictions, the
// caption band, and a legend. The same scene renders to raster PNG or SVG.
type OverlayRenderer struct {
	Width          int
	Height         int
	Band           *CaptionBand
	Boxes          []BoxWithPrediction
	Annotated      map[int64]Label // Box ID -> human label
	Colors         OverlayColors
	ShowConfidence bool
}

// NewOverlayRenderer creates a renderer for one frame. Frame dimensions come
// from the layout when present, otherwise from the box extent plus padding.
func NewOverlayRenderer(layout *LayoutConfig, boxes []BoxWithPrediction, annotations []Annotation) *OverlayRenderer {
	r := &OverlayRenderer{
		Boxes:          boxes,
		Annotated:      make(map[int64]Label),
		Colors:         DefaultOverlayColors(),
		ShowConfidence: true,
	}

	for _, ann := range annotations {
		r.Annotated[ann.BoxID] = ann.Label
	}

	if layout != nil && layout.FrameWidth > 0 && layout.FrameHeight > 0 {
		r.Width = int(layout.FrameWidth)
		r.Height = int(layout.FrameHeight)
		if layout.Band != nil {
			band := *layout.Band
			r.Band = &band
		}
	} else {
		maxX, maxY := 0.0, 0.0
		for _, b := range boxes {
			if b.Box.X1 > maxX {
				maxX = b.Box.X1
			}
			if b.Box.Y1 > maxY {
				maxY = b.Box.Y1
			}
		}
		r.Width = int(maxX) + 40
		r.Height = int(maxY) + 40
	}

	// Limit size
	if r.Width > 4000 {
		r.Width = 4000
	}
	if r.Height > 4000 {
		r.Height = 4000
	}
	if r.Width <= 0 {
		r.Width = 1
	}
	if r.Height <= 0 {
		r.Height = 1
	}

	return r
}

// labelColors returns the palette entry for a predicted label
func (r *OverlayRenderer) labelColors(label Label) LabelColor {
	if label == LabelIn {
		return r.Colors.In
	}
	return r.Colors.Out
}

// Render creates the overlay image
func (r *OverlayRenderer) Render() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			img.Set(x, y, r.Colors.BG)
		}
	}

	// Caption band strip behind everything
	if r.Band != nil {
		top := int(r.Band.Top * float64(r.Height))
		bottom := int(r.Band.Bottom * float64(r.Height))
		for y := top; y <= bottom && y < r.Height; y++ {
			if y < 0 {
				continue
			}
			for x := 0; x < r.Width; x++ {
				existing := img.RGBAAt(x, y)
				img.Set(x, y, blendOver(existing, r.Colors.Band))
			}
		}
	}

	// First pass: box fills (semi-transparent)
	for _, b := range r.Boxes {
		lc := r.labelColors(b.Label)
		fillRectBlend(img, int(b.Box.X0), int(b.Box.Y0), int(b.Box.X1), int(b.Box.Y1), lc.Fill)
	}

	// Second pass: borders, thicker and gold for human-labeled boxes
	for _, b := range r.Boxes {
		thickness := 1
		border := r.labelColors(b.Label).Border
		if _, ok := r.Annotated[b.Box.ID]; ok {
			thickness = 3
			border = r.Colors.Annotated
		}
		drawRectOutline(img, int(b.Box.X0), int(b.Box.Y0), int(b.Box.X1), int(b.Box.Y1), thickness, border)
	}

	// Third pass: confidence labels above each box
	if r.ShowConfidence {
		for _, b := range r.Boxes {
			text := fmt.Sprintf("%s %.2f", b.Label, b.Confidence)
			tx := int(b.Box.X0)
			ty := int(b.Box.Y0) - 3
			if ty < 12 {
				ty = int(b.Box.Y1) + 12
			}
			drawText(img, tx, ty, text, color.RGBA{30, 30, 30, 255})
		}
	}

	r.drawLegend(img)

	return img
}

// WritePNG renders the overlay and encodes it as PNG
func (r *OverlayRenderer) WritePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// drawLegend adds label swatches to the top-left corner
func (r *OverlayRenderer) drawLegend(img *image.RGBA) {
	entries := []struct {
		name  string
		color color.NRGBA
	}{
		{"caption", r.Colors.In.Border},
		{"other", r.Colors.Out.Border},
		{"annotated", r.Colors.Annotated},
	}

	y := 15
	for _, e := range entries {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				px, py := 10+dx, y+dy-6
				if px < r.Width && py >= 0 && py < r.Height {
					img.Set(px, py, e.color)
				}
			}
		}
		drawText(img, 28, y+4, e.name, color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	width := float64(r.Width)
	height := float64(r.Height)

	svgRenderer := svg.New(w, width, height, nil)

	// Canvas origin is bottom-left; flip Y so the scene matches image
	// coordinates.
	toCanvas := func(x, y float64) (float64, float64) {
		return x, height - y
	}

	// White-ish background
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Colors.BG)}
	svgRenderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Caption band strip with dashed edge lines
	if r.Band != nil {
		top := r.Band.Top * height
		bottom := r.Band.Bottom * height

		bandStyle := canvas.DefaultStyle
		bandStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Band)}
		bandStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		_, cy := toCanvas(0, bottom)
		bandPath := canvas.Rectangle(width, bottom-top)
		bandPath = bandPath.Translate(0, cy)
		svgRenderer.RenderPath(bandPath, bandStyle, canvas.Identity)

		edgeStyle := canvas.DefaultStyle
		edgeStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		edgeStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		edgeStyle.StrokeWidth = 1.0
		edgeStyle.Dashes = []float64{6.0, 6.0}

		for _, yy := range []float64{top, bottom} {
			edgePath := &canvas.Path{}
			x1, y1 := toCanvas(0, yy)
			x2, y2 := toCanvas(width, yy)
			edgePath.MoveTo(x1, y1)
			edgePath.LineTo(x2, y2)
			svgRenderer.RenderPath(edgePath, edgeStyle, canvas.Identity)
		}
	}

	// Boxes: fill plus border, sorted by ID for deterministic output
	boxes := make([]BoxWithPrediction, len(r.Boxes))
	copy(boxes, r.Boxes)
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Box.ID < boxes[j].Box.ID })

	for _, b := range boxes {
		lc := r.labelColors(b.Label)

		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(lc.Fill)}
		style.Stroke = canvas.Paint{Color: nrgbaToRGBA(lc.Border)}
		style.StrokeWidth = 1.0
		if _, ok := r.Annotated[b.Box.ID]; ok {
			style.Stroke = canvas.Paint{Color: nrgbaToRGBA(r.Colors.Annotated)}
			style.StrokeWidth = 3.0
		}

		boxW := b.Box.X1 - b.Box.X0
		boxH := b.Box.Y1 - b.Box.Y0
		if boxW <= 0 || boxH <= 0 {
			continue
		}
		cx, cy := toCanvas(b.Box.X0, b.Box.Y1)
		boxPath := canvas.Rectangle(boxW, boxH)
		boxPath = boxPath.Translate(cx, cy)
		svgRenderer.RenderPath(boxPath, style, canvas.Identity)
	}

	return svgRenderer.Close()
}

// blendOver composites a translucent color over an opaque background pixel
func blendOver(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*invAlpha),
		A: 255,
	}
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// fillRectBlend fills a rectangle by alpha blending over the existing pixels
func fillRectBlend(img *image.RGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	bounds := img.Bounds()
	for y := y0; y <= y1; y++ {
		if y < bounds.Min.Y || y >= bounds.Max.Y {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < bounds.Min.X || x >= bounds.Max.X {
				continue
			}
			existing := img.RGBAAt(x, y)
			img.Set(x, y, blendOver(existing, c))
		}
	}
}

// drawRectOutline draws a rectangle border with the given thickness
func drawRectOutline(img *image.RGBA, x0, y0, x1, y1, thickness int, c color.NRGBA) {
	bounds := img.Bounds()
	set := func(x, y int) {
		if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
			img.Set(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := x0 - t; x <= x1+t; x++ {
			set(x, y0-t)
			set(x, y1+t)
		}
		for y := y0 - t; y <= y1+t; y++ {
			set(x0-t, y)
			set(x1+t, y)
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
