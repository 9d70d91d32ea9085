// 文件: pkg/ledger/errors.go
// 账本错误分类
//
// 约定:
// - 哨兵错误做分类锚点，errors.Is 判断类别
// - 带载荷的错误 (余额不足/滑点超限) 用结构体包装哨兵，
//   errors.As 取载荷，errors.Is 仍可按类别匹配
// - LockTimeout 可重试 (建议带抖动退避最多 3 次)，Internal 不可重试

package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// 哨兵错误
// =============================================================================

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("ledger: not found")

	// ErrInvalidInput 入参非法 (零数量、两侧同时非零等)
	ErrInvalidInput = errors.New("ledger: invalid input")

	// 前置条件失败
	ErrMarketNotInitialized = errors.New("ledger: market not initialized")
	ErrMarketExpired        = errors.New("ledger: market expired")
	ErrMarketResolved       = errors.New("ledger: market already resolved")
	ErrMarketNotResolved    = errors.New("ledger: market not resolved")
	ErrOptionResolved       = errors.New("ledger: option already resolved")
	ErrOptionNotResolved    = errors.New("ledger: option not resolved")
	ErrTradingPaused        = errors.New("ledger: trading paused")

	// 资源不足 (InsufficientError 的类别锚点)
	ErrInsufficientBalance       = errors.New("ledger: insufficient balance")
	ErrInsufficientShares        = errors.New("ledger: insufficient shares")
	ErrInsufficientPoolLiquidity = errors.New("ledger: insufficient pool liquidity")
	ErrInsufficientLpShares      = errors.New("ledger: insufficient lp shares")

	// ErrSlippageExceeded 滑点超限 (SlippageError 的类别锚点)
	ErrSlippageExceeded = errors.New("ledger: slippage exceeded")

	// ErrLimitExceeded 超出配置限额
	ErrLimitExceeded = errors.New("ledger: trade limit exceeded")

	// ErrRiskRejected 风控拒绝。当前风控全部只记录不拦截，
	// 该错误保留给开启强制执行的部署
	ErrRiskRejected = errors.New("ledger: risk rejected")

	// 冲突
	ErrAlreadyClaimed      = errors.New("ledger: position already claimed")
	ErrNoShares            = errors.New("ledger: no winning shares to claim")
	ErrDisputeWindowClosed = errors.New("ledger: dispute window closed")
	ErrDisputeWindowOpen   = errors.New("ledger: dispute window still open")

	// ErrLockTimeout 行锁等待超时，可重试
	ErrLockTimeout = errors.New("ledger: lock wait timeout")

	// ErrInternal 内核不变式被破坏或持久层故障，不可重试
	ErrInternal = errors.New("ledger: internal error")
)

// =============================================================================
// 带载荷错误
// =============================================================================

// InsufficientError 资源不足，携带可用量与需求量
type InsufficientError struct {
	Kind      error // ErrInsufficientBalance / Shares / PoolLiquidity / LpShares
	Available int64
	Required  int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("%v: available=%d required=%d", e.Kind, e.Available, e.Required)
}

func (e *InsufficientError) Unwrap() error { return e.Kind }

// NewInsufficient 构造资源不足错误
func NewInsufficient(kind error, available, required int64) *InsufficientError {
	return &InsufficientError{Kind: kind, Available: available, Required: required}
}

// SlippageError 滑点超限，携带期望值与实际值
type SlippageError struct {
	Expected int64 // 调用方给定的上限/下限
	Actual   int64 // 实际成交额
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("%v: expected=%d actual=%d", ErrSlippageExceeded, e.Expected, e.Actual)
}

func (e *SlippageError) Unwrap() error { return ErrSlippageExceeded }

// =============================================================================
// 分类辅助
// =============================================================================

// Retryable 错误是否可安全重试
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// HTTPStatus 错误到 HTTP 状态码的映射，供外层 REST 网关使用
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrDisputeWindowClosed),
		errors.Is(err, ErrDisputeWindowOpen):
		return http.StatusConflict
	case errors.Is(err, ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
