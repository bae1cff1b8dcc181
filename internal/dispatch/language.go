package dispatch

import (
	"strings"
	"unicode"
)

// englishRatioLimit is the share of English words above which a response
// is flagged; operator output is expected in Korean.
const englishRatioLimit = 0.20

// abbreviationWhitelist lists English tokens that are legitimate in
// Korean trading text and never count against the ratio.
var abbreviationWhitelist = map[string]bool{
	"btc": true, "usdt": true, "rsi": true, "atr": true, "ma": true,
	"bb": true, "poc": true, "vah": true, "val": true, "pnl": true,
	"api": true, "db": true, "ok": true, "long": true, "short": true,
	"hold": true, "add": true, "reduce": true, "close": true, "reverse": true,
}

// substitutions maps English trading vocabulary onto the Korean the
// operator channel uses. Multi-word phrases come first so they replace
// before any of their component words.
var substitutions = []struct{ en, ko string }{
	{"stop loss", "손절"},
	{"take profit", "익절"},
	{"entry price", "진입가"},
	{"average entry", "평균 진입가"},
	{"position size", "포지션 크기"},
	{"win rate", "승률"},
	{"mean reversion", "평균 회귀"},
	{"value area", "밸류 에어리어"},
	{"entry", "진입"},
	{"exit", "청산"},
	{"liquidation", "강제청산"},
	{"leverage", "레버리지"},
	{"position", "포지션"},
	{"breakout", "돌파"},
	{"support", "지지"},
	{"resistance", "저항"},
	{"volume", "거래량"},
	{"trend", "추세"},
	{"volatility", "변동성"},
}

// localize rewrites English trading terms to Korean before a reply goes
// out. Matching is case-insensitive.
func localize(text string) string {
	for _, s := range substitutions {
		text = replaceFold(text, s.en, s.ko)
	}
	return text
}

func replaceFold(text, old, repl string) string {
	lower := strings.ToLower(text)
	oldLower := strings.ToLower(old)
	var b strings.Builder
	for {
		i := strings.Index(lower, oldLower)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		b.WriteString(repl)
		text = text[i+len(old):]
		lower = lower[i+len(oldLower):]
	}
}

// checkLanguage logs a warning when a reply drifts into English
func (d *Dispatcher) checkLanguage(text string) {
	total, english := 0, 0
	for _, word := range strings.Fields(text) {
		cleaned := strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
		if cleaned == "" {
			continue
		}
		total++
		if isASCIIAlpha(cleaned) && !abbreviationWhitelist[cleaned] {
			english++
		}
	}
	if total == 0 {
		return
	}
	ratio := float64(english) / float64(total)
	if ratio > englishRatioLimit {
		d.logger.Warn("Response exceeds English ratio",
			"ratio", ratio, "english_words", english, "total_words", total)
	}
}

func isASCIIAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
