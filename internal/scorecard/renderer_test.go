package scorecard

import (
	"bytes"
	"context"
	"image/png"
	"testing"
)

func TestRenderPNGProducesDecodableImage(t *testing.T) {
	r := NewRenderer()
	out, err := r.RenderPNG(context.Background(), Card{
		Title:          "퀴즈 대결 결과",
		InitiatorName:  "철수",
		OpponentName:   "영희",
		InitiatorScore: 245,
		OpponentScore:  180,
		InitiatorWins:  2,
		OpponentWins:   1,
		WinnerName:     "철수",
		Rounds:         3,
	})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("not a decodable png: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Fatalf("empty image: %v", img.Bounds())
	}
}

func TestRenderPNGDraw(t *testing.T) {
	r := NewRenderer()
	out, err := r.RenderPNG(context.Background(), Card{
		Title:         "퀴즈 대결 결과",
		InitiatorName: "철수",
		OpponentName:  "영희",
		Rounds:        1,
	})
	if err != nil {
		t.Fatalf("RenderPNG draw: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("draw card not a png: %v", err)
	}
}

func TestRenderPNGTruncatesLongNames(t *testing.T) {
	r := NewRenderer()
	long := "아주아주아주아주아주아주아주아주아주 긴 닉네임입니다 정말로"
	if _, err := r.RenderPNG(context.Background(), Card{
		Title:         "퀴즈 대결 결과",
		InitiatorName: long,
		OpponentName:  long,
		WinnerName:    long,
		Rounds:        5,
	}); err != nil {
		t.Fatalf("RenderPNG long names: %v", err)
	}
}

func TestBadgeImageCached(t *testing.T) {
	a, err := badgeImage("trophy", 48)
	if err != nil {
		t.Fatalf("badgeImage: %v", err)
	}
	b, err := badgeImage("trophy", 48)
	if err != nil {
		t.Fatalf("badgeImage again: %v", err)
	}
	if a != b {
		t.Fatalf("cache miss on identical badge request")
	}
	if _, err := badgeImage("no-such-badge", 48); err == nil {
		t.Fatalf("unknown badge rendered")
	}
}
