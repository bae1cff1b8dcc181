package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"perpcore/internal/core"
)

type captureLogger struct {
	mu    sync.Mutex
	warns []string
}

func (c *captureLogger) Debug(msg string, f ...interface{}) {}
func (c *captureLogger) Info(msg string, f ...interface{})  {}
func (c *captureLogger) Warn(msg string, f ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, msg)
}
func (c *captureLogger) Error(msg string, f ...interface{})               {}
func (c *captureLogger) Fatal(msg string, f ...interface{})               {}
func (c *captureLogger) WithField(k string, v interface{}) core.ILogger   { return c }
func (c *captureLogger) WithFields(f map[string]interface{}) core.ILogger { return c }

func (c *captureLogger) warnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.warns)
}

func TestCheckLanguage(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantWarn bool
	}{
		{
			name:     "pure korean passes",
			text:     "현재 포지션은 롱이며 수량은 0.1입니다",
			wantWarn: false,
		},
		{
			name:     "korean with whitelisted abbreviations passes",
			text:     "BTC 가격은 50000 USDT이고 RSI 지표는 55입니다 PnL은 양호합니다",
			wantWarn: false,
		},
		{
			name:     "english drift is flagged",
			text:     "The current position is long and everything looks fine today",
			wantWarn: true,
		},
		{
			name:     "small english share stays under the limit",
			text:     "포지션 상태가 양호하며 stage 진행 중입니다",
			wantWarn: false,
		},
		{
			name:     "empty text never warns",
			text:     "   ",
			wantWarn: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &captureLogger{}
			d := &Dispatcher{logger: logger}
			d.checkLanguage(tt.text)
			if tt.wantWarn {
				assert.Positive(t, logger.warnCount())
			} else {
				assert.Zero(t, logger.warnCount(), "warns: %v", logger.warns)
			}
		})
	}
}

func TestIsASCIIAlpha(t *testing.T) {
	assert.True(t, isASCIIAlpha("hello"))
	assert.False(t, isASCIIAlpha("가격"))
	assert.False(t, isASCIIAlpha("abc1"))
	assert.False(t, isASCIIAlpha("h안llo"))
}

func TestKoreanSide(t *testing.T) {
	assert.Equal(t, "롱", koreanSide(core.SideLong))
	assert.Equal(t, "숏", koreanSide(core.SideShort))
	assert.Equal(t, "없음", koreanSide(core.SideFlat))
}

func TestClassifyHeuristicFallback(t *testing.T) {
	d := &Dispatcher{logger: &captureLogger{}}
	ctx := context.Background()

	route, qt := d.classify(ctx, "지금 가격 얼마야")
	assert.Equal(t, "local", route)
	assert.Equal(t, "btc_price", qt)

	route, qt = d.classify(ctx, "포지션 상태 알려줘")
	assert.Equal(t, "local", route)
	assert.Equal(t, "status_full", qt)

	route, qt = d.classify(ctx, "점수 요약")
	assert.Equal(t, "local", route)
	assert.Equal(t, "score_summary", qt)

	route, qt = d.classify(ctx, "정합성 확인해줘")
	assert.Equal(t, "local", route)
	assert.Equal(t, "reconcile", qt)

	route, qt = d.classify(ctx, "오늘 뉴스 대응 내역 보여줘")
	assert.Equal(t, "local", route)
	assert.Equal(t, "news_summary", qt)

	route, _ = d.classify(ctx, "날씨 어때")
	assert.Equal(t, "none", route)
}

func TestLocalize(t *testing.T) {
	// The phrase wins over its component words: "stop loss" becomes 손절,
	// never a word-by-word mangle.
	assert.Equal(t, "손절 기준을 2%로 유지합니다",
		localize("Stop Loss 기준을 2%로 유지합니다"))

	// Single words substitute too, case-insensitively.
	assert.Equal(t, "진입 시점과 포지션 크기를 확인하세요",
		localize("Entry 시점과 position size를 확인하세요"))

	// "entry price" must not decay into 진입 + price.
	assert.Equal(t, "진입가 대비 -1.2%", localize("entry price 대비 -1.2%"))

	// Text without English trading terms passes through untouched.
	assert.Equal(t, "현재 국면은 횡보입니다", localize("현재 국면은 횡보입니다"))
}

func TestLocalizeRunsBeforeRatioCheck(t *testing.T) {
	logger := &captureLogger{}
	d := &Dispatcher{logger: logger}

	// Trading vocabulary pushes the raw text over the English limit; once
	// localized it sits comfortably under it.
	text := "Entry 이후 stop loss까지 거리와 position 상태를 봅니다"
	d.checkLanguage(localize(text))
	assert.Zero(t, logger.warnCount(), "warns: %v", logger.warns)

	d.checkLanguage(text)
	assert.Positive(t, logger.warnCount())
}

func TestHandleDebugToggles(t *testing.T) {
	d := &Dispatcher{logger: &captureLogger{}}
	ctx := context.Background()

	out, err := d.handleDebug(ctx, "debug_on")
	assert.NoError(t, err)
	assert.Contains(t, out, "ON")
	assert.True(t, d.debugMode)

	out, err = d.handleDebug(ctx, "debug_off")
	assert.NoError(t, err)
	assert.Contains(t, out, "OFF")
	assert.False(t, d.debugMode)
}
