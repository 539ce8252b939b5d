package kakaofast

import "strings"

const (
	seeMorePadding = 500
	zeroWidthSpace = "\u200b"
)

// ApplySeeMorePadding pads a long message with zero-width characters so the
// KakaoTalk client collapses it behind a "see more" fold, leaving only the
// instruction line visible.
func ApplySeeMorePadding(text, instruction string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + seeMorePadding + len(instruction) + 2)
	if msg := strings.TrimSpace(instruction); msg != "" {
		b.WriteString(msg)
	}
	b.WriteString(strings.Repeat(zeroWidthSpace, seeMorePadding))
	if !strings.HasPrefix(text, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(text)
	return b.String()
}
