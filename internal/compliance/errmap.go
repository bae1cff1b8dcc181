package compliance

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	apperrors "perpcore/pkg/errors"
)

// ErrorCategory buckets venue errors by what the operator should do
type ErrorCategory string

const (
	CategoryParam     ErrorCategory = "PARAM"
	CategoryBalance   ErrorCategory = "BALANCE"
	CategoryRateLimit ErrorCategory = "RATE_LIMIT"
	CategoryPosition  ErrorCategory = "POSITION"
	CategoryAuth      ErrorCategory = "AUTH"
	CategorySystem    ErrorCategory = "SYSTEM"
	CategoryUnknown   ErrorCategory = "UNKNOWN"
)

// ErrorSeverity drives alert levels
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "INFO"
	SeverityWarn     ErrorSeverity = "WARN"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// ErrorInfo is the classified form of a venue error
type ErrorInfo struct {
	Code            int
	Category        ErrorCategory
	Severity        ErrorSeverity
	Message         string
	SuggestedFix    string
	Raw             string
	AutoCorrectable bool
	ForceRefresh    bool
}

type errorSpec struct {
	category        ErrorCategory
	severity        ErrorSeverity
	message         string
	suggestedFix    string
	autoCorrectable bool
	forceRefresh    bool
}

// errorTable maps venue error codes to classification records. Messages
// are operator-facing Korean; the code stays in every message so logs
// remain greppable.
var errorTable = map[int]errorSpec{
	10001: {CategoryParam, SeverityWarn,
		"주문 수량이 잘못되었습니다",
		"수량을 stepSize 배수로 재정렬 후 재시도하세요", true, true},
	10003: {CategoryParam, SeverityWarn,
		"주문 가격이 잘못되었습니다",
		"가격을 tickSize 배수로 재정렬 후 재시도하세요", true, true},
	10006: {CategoryRateLimit, SeverityWarn,
		"요청 한도를 초과했습니다",
		"잠시 대기 후 재시도하세요", false, true},
	20001: {CategoryParam, SeverityWarn,
		"주문 파라미터가 유효하지 않습니다",
		"주문 파라미터를 점검하세요", false, false},
	110001: {CategoryBalance, SeverityCritical,
		"잔고가 부족합니다",
		"가용 잔고를 확인하거나 주문 규모를 줄이세요", false, false},
	110006: {CategoryPosition, SeverityWarn,
		"해당 포지션이 존재하지 않습니다",
		"포지션 상태를 재조회 후 재시도하세요", false, false},
	110043: {CategoryPosition, SeverityWarn,
		"reduce-only 주문이 포지션 수량을 초과합니다",
		"수량을 포지션 수량 이하로 제한하세요", true, false},
	130021: {CategoryPosition, SeverityWarn,
		"마진 모드가 일치하지 않습니다",
		"계정의 마진/포지션 모드 설정을 확인하세요", false, true},
	130074: {CategoryPosition, SeverityWarn,
		"레버리지 한도를 초과했습니다",
		"레버리지를 낮춘 후 재시도하세요", false, true},
}

var unknownSpec = errorSpec{
	category:     CategoryUnknown,
	severity:     SeverityWarn,
	message:      "분류되지 않은 거래소 오류입니다",
	suggestedFix: "원문 오류 메시지를 확인하세요",
}

var bybitCodePattern = regexp.MustCompile(`bybit\s+(\d+)`)

// MapError extracts a numeric venue code from a heterogeneous error and
// classifies it. Extraction order: explicit retCode in the message, the
// "bybit <digits>" pattern, then sentinel-based heuristics.
func MapError(err error) ErrorInfo {
	raw := ""
	if err != nil {
		raw = err.Error()
	}

	code := extractCode(err, raw)
	spec, ok := errorTable[code]
	if !ok {
		spec = unknownSpec
	}
	return ErrorInfo{
		Code:            code,
		Category:        spec.category,
		Severity:        spec.severity,
		Message:         fmt.Sprintf("%s (코드 %d)", spec.message, code),
		SuggestedFix:    spec.suggestedFix,
		Raw:             raw,
		AutoCorrectable: spec.autoCorrectable,
		ForceRefresh:    spec.forceRefresh,
	}
}

func extractCode(err error, raw string) int {
	if m := bybitCodePattern.FindStringSubmatch(raw); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}

	lower := strings.ToLower(raw)
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return 110001
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		return 10006
	case errors.Is(err, apperrors.ErrReduceOnlyViolation):
		return 110043
	case errors.Is(err, apperrors.ErrLeverageLimit):
		return 130074
	case errors.Is(err, apperrors.ErrMarginModeMismatch),
		errors.Is(err, apperrors.ErrPositionModeMismatch):
		return 130021
	case errors.Is(err, apperrors.ErrInvalidOrderParameter):
		switch {
		case strings.Contains(lower, "reduceonly"), strings.Contains(lower, "reduce-only"):
			return 110043
		case strings.Contains(lower, "qty"), strings.Contains(lower, "quantity"):
			return 10001
		case strings.Contains(lower, "price"):
			return 10003
		default:
			return 20001
		}
	case strings.Contains(lower, "leverage"):
		return 130074
	case strings.Contains(lower, "margin"), strings.Contains(lower, "mode"):
		return 130021
	case strings.Contains(lower, "position not"):
		return 110006
	}
	return 0
}
