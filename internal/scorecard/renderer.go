// Package scorecard renders the end-of-duel score card PNG that gets posted
// back to the room.
package scorecard

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Card is everything the renderer needs about a finished duel.
type Card struct {
	Title          string
	InitiatorName  string
	OpponentName   string
	InitiatorScore int
	OpponentScore  int
	InitiatorWins  int
	OpponentWins   int
	WinnerName     string // empty means draw
	Rounds         int
}

type Renderer interface {
	RenderPNG(ctx context.Context, card Card) ([]byte, error)
}

type cardRenderer struct{}

func NewRenderer() Renderer { return &cardRenderer{} }

var (
	cardBackground = color.NRGBA{R: 22, G: 24, B: 36, A: 255}
	panelColor     = color.NRGBA{R: 32, G: 35, B: 52, A: 250}
	panelShadow    = color.NRGBA{0, 0, 0, 60}
	textPrimary    = color.NRGBA{R: 236, G: 239, B: 255, A: 255}
	textSecondary  = color.NRGBA{R: 176, G: 182, B: 212, A: 255}
	winnerAccent   = color.NRGBA{R: 255, G: 206, B: 84, A: 255}
	drawAccent     = color.NRGBA{R: 148, G: 207, B: 255, A: 255}
	scoreBarFill   = color.NRGBA{R: 8, G: 214, B: 120, A: 255}
	scoreBarEmpty  = color.NRGBA{R: 52, G: 56, B: 78, A: 255}
)

func (r *cardRenderer) RenderPNG(ctx context.Context, card Card) ([]byte, error) {
	const (
		width       = 560
		height      = 340
		margin      = 28
		panelRadius = 12
		titleHeight = 44
		rowHeight   = 64
		rowGap      = 16
		badgeSize   = 56
		barHeight   = 10
	)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(cardBackground), image.Point{}, imagedraw.Src)

	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: img, Face: face}

	title := strings.TrimSpace(card.Title)
	if title == "" {
		title = "Quiz Duel"
	}

	titleRect := image.Rect(margin, margin, width-margin, margin+titleHeight)
	drawRoundedPanel(img, titleRect.Add(image.Pt(0, 4)), panelRadius, panelShadow)
	drawRoundedPanel(img, titleRect, panelRadius, panelColor)
	drawCenteredString(drawer, titleRect, title, textPrimary)

	maxScore := card.InitiatorScore
	if card.OpponentScore > maxScore {
		maxScore = card.OpponentScore
	}
	if maxScore <= 0 {
		maxScore = 1
	}

	rows := []struct {
		name   string
		score  int
		wins   int
		winner bool
	}{
		{card.InitiatorName, card.InitiatorScore, card.InitiatorWins, card.WinnerName != "" && card.WinnerName == card.InitiatorName},
		{card.OpponentName, card.OpponentScore, card.OpponentWins, card.WinnerName != "" && card.WinnerName == card.OpponentName},
	}

	y := titleRect.Max.Y + rowGap + 8
	for _, row := range rows {
		rowRect := image.Rect(margin, y, width-margin, y+rowHeight)
		drawRoundedPanel(img, rowRect.Add(image.Pt(0, 4)), panelRadius, panelShadow)
		drawRoundedPanel(img, rowRect, panelRadius, panelColor)

		if row.winner {
			if badge, err := badgeImage("trophy", badgeSize); err == nil {
				bx := rowRect.Max.X - badgeSize - 12
				by := rowRect.Min.Y + (rowHeight-badgeSize)/2
				imagedraw.Draw(img, image.Rect(bx, by, bx+badgeSize, by+badgeSize), badge, image.Point{}, imagedraw.Over)
			}
		}

		name := truncateWithEllipsis(face, strings.TrimSpace(row.name), rowRect.Dx()-badgeSize-160)
		nameColor := textPrimary
		if row.winner {
			nameColor = winnerAccent
		}
		drawLeftString(drawer, rowRect.Min.X+20, rowRect.Min.Y+24, name, nameColor)
		drawLeftString(drawer, rowRect.Min.X+20, rowRect.Min.Y+44,
			fmt.Sprintf("%d pts / %d round wins", row.score, row.wins), textSecondary)

		barRect := image.Rect(rowRect.Min.X+220, rowRect.Min.Y+(rowHeight-barHeight)/2, rowRect.Max.X-badgeSize-24, rowRect.Min.Y+(rowHeight+barHeight)/2)
		drawScoreBar(img, barRect, row.score, maxScore)

		y = rowRect.Max.Y + rowGap
	}

	footerRect := image.Rect(margin, y, width-margin, y+titleHeight)
	drawRoundedPanel(img, footerRect.Add(image.Pt(0, 4)), panelRadius, panelShadow)
	drawRoundedPanel(img, footerRect, panelRadius, panelColor)
	footer := fmt.Sprintf("Winner: %s  (%d rounds)", card.WinnerName, card.Rounds)
	footerColor := winnerAccent
	if card.WinnerName == "" {
		footer = fmt.Sprintf("Draw  (%d rounds)", card.Rounds)
		footerColor = drawAccent
		if badge, err := badgeImage("handshake", 32); err == nil {
			bx := footerRect.Min.X + 14
			by := footerRect.Min.Y + (footerRect.Dy()-32)/2
			imagedraw.Draw(img, image.Rect(bx, by, bx+32, by+32), badge, image.Point{}, imagedraw.Over)
		}
	}
	drawCenteredString(drawer, footerRect, footer, footerColor)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawScoreBar(img *image.RGBA, rect image.Rectangle, score, maxScore int) {
	if rect.Empty() {
		return
	}
	imagedraw.Draw(img, rect, image.NewUniform(scoreBarEmpty), image.Point{}, imagedraw.Over)
	if score <= 0 {
		return
	}
	filled := rect.Dx() * score / maxScore
	if filled > rect.Dx() {
		filled = rect.Dx()
	}
	fillRect := image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+filled, rect.Max.Y)
	imagedraw.Draw(img, fillRect, image.NewUniform(scoreBarFill), image.Point{}, imagedraw.Over)
}

func drawRoundedPanel(img *image.RGBA, rect image.Rectangle, radius int, clr color.Color) {
	if img == nil || rect.Empty() {
		return
	}
	if radius < 0 {
		radius = 0
	}
	maxRadius := rect.Dx() / 2
	if r := rect.Dy() / 2; r < maxRadius {
		maxRadius = r
	}
	if radius > maxRadius {
		radius = maxRadius
	}
	fill := image.NewUniform(clr)
	if radius == 0 {
		imagedraw.Draw(img, rect, fill, image.Point{}, imagedraw.Over)
		return
	}

	core := image.Rect(rect.Min.X, rect.Min.Y+radius, rect.Max.X, rect.Max.Y-radius)
	if core.Dy() > 0 {
		imagedraw.Draw(img, core, fill, image.Point{}, imagedraw.Over)
	}
	top := image.Rect(rect.Min.X+radius, rect.Min.Y, rect.Max.X-radius, rect.Min.Y+radius)
	if top.Dy() > 0 {
		imagedraw.Draw(img, top, fill, image.Point{}, imagedraw.Over)
	}
	bottom := image.Rect(rect.Min.X+radius, rect.Max.Y-radius, rect.Max.X-radius, rect.Max.Y)
	if bottom.Dy() > 0 {
		imagedraw.Draw(img, bottom, fill, image.Point{}, imagedraw.Over)
	}

	corners := []image.Point{
		{rect.Min.X + radius, rect.Min.Y + radius},
		{rect.Max.X - radius - 1, rect.Min.Y + radius},
		{rect.Min.X + radius, rect.Max.Y - radius - 1},
		{rect.Max.X - radius - 1, rect.Max.Y - radius - 1},
	}
	for _, center := range corners {
		drawDisc(img, center, radius, clr)
	}
}

func drawDisc(img *image.RGBA, center image.Point, radius int, clr color.Color) {
	if radius <= 0 {
		return
	}
	rSquared := radius * radius
	fill := image.NewUniform(clr)
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y > rSquared {
				continue
			}
			imagedraw.Draw(img, image.Rect(center.X+x, center.Y+y, center.X+x+1, center.Y+y+1), fill, image.Point{}, imagedraw.Over)
		}
	}
}

func drawCenteredString(drawer *font.Drawer, rect image.Rectangle, text string, clr color.Color) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	metrics := drawer.Face.Metrics()
	width := drawer.MeasureString(text).Round()
	x := rect.Min.X + (rect.Dx()-width)/2
	if x < rect.Min.X {
		x = rect.Min.X
	}
	baseline := rect.Min.Y + (rect.Dy()+metrics.Ascent.Ceil()-metrics.Descent.Ceil())/2
	drawer.Src = image.NewUniform(clr)
	drawer.Dot = fixed.P(x, baseline)
	drawer.DrawString(text)
}

func drawLeftString(drawer *font.Drawer, x, baseline int, text string, clr color.Color) {
	if text == "" {
		return
	}
	drawer.Src = image.NewUniform(clr)
	drawer.Dot = fixed.P(x, baseline)
	drawer.DrawString(text)
}

func truncateWithEllipsis(face font.Face, text string, maxWidth int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || maxWidth <= 0 || face == nil {
		return trimmed
	}
	drawer := font.Drawer{Face: face}
	if drawer.MeasureString(trimmed).Round() <= maxWidth {
		return trimmed
	}
	ellipsis := "..."
	if drawer.MeasureString(ellipsis).Round() > maxWidth {
		return ""
	}
	runes := []rune(trimmed)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + ellipsis
		if drawer.MeasureString(candidate).Round() <= maxWidth {
			return candidate
		}
	}
	return ellipsis
}
