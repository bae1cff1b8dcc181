package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/internal/llm"
	"perpcore/internal/reconcile"
	"perpcore/internal/snapshot"
	"perpcore/internal/store"
)

const riskModeKey = "risk_mode"

var validRiskModes = map[string]bool{
	"conservative": true,
	"normal":       true,
	"aggressive":   true,
}

// Dispatcher routes operator messages. All handlers are read-only except
// the risk-mode directive, which writes one key/value row.
type Dispatcher struct {
	cfg      config.TelegramConfig
	symbol   string
	bot      *botClient
	store    *store.Store
	exchange core.IExchange
	snaps    *snapshot.Builder
	recon    *reconcile.Reconciler
	client   *llm.Client
	gate     *llm.Gate
	logger   core.ILogger
	clock    core.Clock

	debugMode bool
	keywords  []string
	locals    map[string]func(context.Context) (string, error)
}

// NewDispatcher creates the daemon
func NewDispatcher(cfg config.TelegramConfig, symbol string, st *store.Store,
	exchange core.IExchange, snaps *snapshot.Builder, recon *reconcile.Reconciler,
	client *llm.Client, gate *llm.Gate, logger core.ILogger, clock core.Clock) *Dispatcher {
	if clock == nil {
		clock = core.RealClock{}
	}
	d := &Dispatcher{
		cfg:       cfg,
		symbol:    symbol,
		bot:       newBotClient(cfg),
		store:     st,
		exchange:  exchange,
		snaps:     snaps,
		recon:     recon,
		client:    client,
		gate:      gate,
		logger:    logger.WithField("component", "dispatcher"),
		clock:     clock,
		debugMode: cfg.DebugMode,
	}
	d.locals = map[string]func(context.Context) (string, error){
		"status_full":   d.handleStatus,
		"btc_price":     d.handlePrice,
		"score_summary": d.handleScores,
		"reconcile":     d.handleReconcile,
		"snapshot":      d.handleSnapshot,
		"fact_snapshot": d.handleSnapshot,
		"health":        d.handleHealth,
		"audit":         d.handleAudit,
		"news_summary":  d.handleNews,
	}
	return d
}

// Run long-polls until the context is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.cfg.Enabled() {
		d.logger.Warn("Telegram not configured, dispatcher idle")
		<-ctx.Done()
		return ctx.Err()
	}
	d.logger.Info("Dispatcher started")
	offset := d.bot.loadOffset()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping")
			return ctx.Err()
		default:
		}

		updates, err := d.bot.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("Telegram poll failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			if !d.bot.fromOwnChat(u) {
				continue
			}
			d.handleMessage(ctx, strings.TrimSpace(u.Message.Text))
		}
		if err := d.bot.saveOffset(offset); err != nil {
			d.logger.Warn("Offset persist failed", "error", err)
		}
	}
}

// handleMessage applies the routing order: slash commands, then the
// intent classifier, then local/advisory paths.
func (d *Dispatcher) handleMessage(ctx context.Context, text string) {
	if text == "" {
		return
	}
	d.logger.Info("Message received", "text", text)

	if strings.HasPrefix(text, "/") {
		d.reply(ctx, d.handleCommand(ctx, text), "command", "")
		return
	}

	route, queryType := d.classify(ctx, text)
	switch route {
	case "local":
		if strings.HasPrefix(queryType, "debug_") {
			out, _ := d.handleDebug(ctx, queryType)
			d.reply(ctx, out, "local:"+queryType, "")
			return
		}
		handler, ok := d.locals[queryType]
		if !ok {
			d.reply(ctx, "지원하지 않는 조회 유형입니다: "+queryType, "local", "")
			return
		}
		out, err := handler(ctx)
		if err != nil {
			d.logger.Error("Local handler failed", "query", queryType, "error", err)
			out = "조회 중 오류가 발생했습니다."
		}
		d.reply(ctx, out, "local:"+queryType, "")

	case "claude":
		d.reply(ctx, d.advisory(ctx, text, false), "claude", d.client.DeepModel())

	case "directive":
		d.reply(ctx, d.applyDirective(ctx, queryType), "directive", "")

	default:
		d.reply(ctx, "요청을 이해하지 못했습니다. /help 를 참고하세요.", "none", "")
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, text string) string {
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	arg := strings.TrimSpace(strings.TrimPrefix(text, parts[0]))

	switch cmd {
	case "/help":
		return helpText
	case "/status":
		out, err := d.handleStatus(ctx)
		if err != nil {
			return "상태 조회 실패: " + err.Error()
		}
		return out
	case "/health":
		out, _ := d.handleHealth(ctx)
		return out
	case "/audit":
		out, err := d.handleAudit(ctx)
		if err != nil {
			return "감사 로그 조회 실패: " + err.Error()
		}
		return out
	case "/risk":
		return d.applyDirective(ctx, "risk:"+strings.ToLower(arg))
	case "/keywords":
		if arg != "" {
			d.keywords = strings.Fields(arg)
			return fmt.Sprintf("감시 키워드 %d개 등록 완료", len(d.keywords))
		}
		if len(d.keywords) == 0 {
			return "등록된 감시 키워드가 없습니다."
		}
		return "감시 키워드: " + strings.Join(d.keywords, ", ")
	case "/debug":
		switch strings.ToLower(arg) {
		case "on":
			d.debugMode = true
			return "디버그 모드 ON"
		case "off":
			d.debugMode = false
			return "디버그 모드 OFF"
		}
		return "/debug on|off"
	case "/force":
		// bypasses the strategy cooldown; still advisory-only
		return d.advisory(ctx, arg, true)
	}
	return "알 수 없는 명령입니다. /help 를 참고하세요."
}

// classify asks the cheap model to pick a route; denial or failure
// degrades to a keyword heuristic.
func (d *Dispatcher) classify(ctx context.Context, text string) (route, queryType string) {
	if d.client != nil && d.client.Configured() {
		if granted, _ := d.gate.Acquire(ctx, core.CallUser, d.client.MiniModel(), "intent"); granted {
			var out struct {
				Route     string `json:"route"`
				QueryType string `json:"query_type"`
			}
			err := d.client.CompleteJSON(ctx, d.client.MiniModel(), intentPrompt, text, &out)
			if err == nil {
				switch out.Route {
				case "local", "claude", "directive", "none":
					return out.Route, out.QueryType
				}
			}
			d.logger.Warn("Intent classification failed, using heuristic", "error", err)
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "가격") || strings.Contains(lower, "price"):
		return "local", "btc_price"
	case strings.Contains(lower, "상태") || strings.Contains(lower, "포지션"):
		return "local", "status_full"
	case strings.Contains(lower, "점수") || strings.Contains(lower, "score"):
		return "local", "score_summary"
	case strings.Contains(lower, "정합") || strings.Contains(lower, "reconcile"):
		return "local", "reconcile"
	case strings.Contains(lower, "뉴스") || strings.Contains(lower, "이벤트"):
		return "local", "news_summary"
	}
	return "none", ""
}

// advisory runs the analytical path. Denied deep budget may fall back to
// the cheap provider for advisory (never for strategy) requests.
func (d *Dispatcher) advisory(ctx context.Context, question string, force bool) string {
	if question == "" {
		return "질문 내용을 함께 입력해 주세요."
	}
	if d.client == nil || !d.client.Configured() {
		return "분석 기능이 설정되어 있지 않습니다."
	}

	model := d.client.DeepModel()
	callType := core.CallUser
	if force {
		callType = core.CallEmergency
	}
	granted, reason := d.gate.Acquire(ctx, callType, model, "advisory")
	if !granted {
		d.logger.Info("Deep advisory denied, trying mini", "reason", reason)
		model = d.client.MiniModel()
		granted, reason = d.gate.Acquire(ctx, core.CallAutoMini, model, "advisory")
		if !granted {
			return "분석 예산이 소진되었습니다: " + reason
		}
	}

	snapText := ""
	if snap, err := d.snaps.Build(ctx, d.symbol); err == nil {
		snapText = fmt.Sprintf("\n[현재가 %s, RSI %.1f, 국면 %s]",
			snap.Price.Round(2), snap.RSI14, snap.Regime)
	}
	answer, err := d.client.Complete(ctx, model, advisoryPrompt, question+snapText)
	if err != nil {
		d.logger.Error("Advisory completion failed", "error", err)
		return "분석 요청이 실패했습니다."
	}
	answer = localize(answer)
	d.checkLanguage(answer)
	return answer
}

func (d *Dispatcher) applyDirective(ctx context.Context, directive string) string {
	if !strings.HasPrefix(directive, "risk:") {
		return "지원하지 않는 지시입니다: " + directive
	}
	mode := strings.TrimPrefix(directive, "risk:")
	if !validRiskModes[mode] {
		return "리스크 모드는 conservative|normal|aggressive 중 하나여야 합니다."
	}
	if err := d.store.PutKV(ctx, riskModeKey, mode); err != nil {
		d.logger.Error("Risk mode write failed", "error", err)
		return "리스크 모드 변경에 실패했습니다."
	}
	d.logger.Warn("Risk mode changed", "mode", mode)
	return "리스크 모드를 " + mode + " 로 변경했습니다."
}

func (d *Dispatcher) reply(ctx context.Context, text, route, provider string) {
	text = localize(text)
	d.checkLanguage(text)
	if d.debugMode {
		footer := "\n\n[debug] route=" + route
		if provider != "" {
			footer += " provider=" + provider
		}
		text += footer
	}
	if err := d.bot.sendMessage(ctx, text); err != nil {
		d.logger.Error("Reply send failed", "error", err)
	}
}

const helpText = `명령어 목록
/status - 포지션 및 전략 상태
/health - 시스템 상태 점검
/audit - 최근 정합성 감사 기록
/risk <conservative|normal|aggressive> - 리스크 모드 변경
/keywords [목록] - 감시 키워드 조회/등록
/debug on|off - 디버그 푸터 토글
/force [질문] - 쿨다운 무시 분석 요청`

const intentPrompt = `Classify the operator message for a BTC trading bot.
Respond ONLY with JSON: {"route": "local"|"claude"|"directive"|"none",
"query_type": string}. Use route=local with query_type in
[status_full, btc_price, score_summary, reconcile, snapshot, fact_snapshot,
health, audit, news_summary, debug_status, debug_on, debug_off] for simple
reads, route=claude for analysis questions,
route=directive with query_type "risk:<mode>" for risk mode changes.`

const advisoryPrompt = `You are the analyst for a BTC perpetual futures trading system.
Answer in Korean, concisely, for a Telegram message.`
