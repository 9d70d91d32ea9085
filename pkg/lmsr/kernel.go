// 文件: pkg/lmsr/kernel.go
// LMSR 定价核心 - 成本函数与价格函数
//
// 核心职责:
// 1. CostFunction: C(q_yes, q_no) = b * ln(e^(q_yes/b) + e^(q_no/b))
// 2. YesPrice / NoPrice: 瞬时价格 (即概率)，和恒等于 Precision
// 3. BuyCost / SellPayout: 交易前后成本函数的差值
//
// 数值策略:
//
//	C(yes, no) = max(yes, no) + b * ln(1 + e^(-|yes-no|/b))
//
// 把较大的数量因式分解出来 (log-sum-exp 技巧)，指数参数永远非正，
// 不会出现大参数指数爆炸。
//
// 价格钳制: YesPrice 输出限制在 [P/1000, 999P/1000]，
// 价格永远到不了 0 或 1，临近结算的市场仍可交易。
// 注意: 资金结算永远走 BuyCost/SellPayout (未钳制的成本函数)，
// 钳制只影响展示与风控用的报价，避免边界处的记账泄漏。

package lmsr

import "math/big"

// 价格钳制边界
const (
	MinPrice = Precision / 1000       // 0.001
	MaxPrice = Precision * 999 / 1000 // 0.999
)

// =============================================================================
// 成本函数
// =============================================================================

// CostFunction 计算 C(yes, no) = b * ln(e^(yes/b) + e^(no/b))
//
// 参数:
//   - yes, no: YES/NO 份额库存 (微份额)
//   - b: 流动性参数 (缩放 Precision)
//
// 返回值以微单位计。恒有 C >= max(yes, no)。
func CostFunction(yes, no, b int64) (int64, error) {
	if err := validate(yes, no, b); err != nil {
		return 0, err
	}

	bigYes := big.NewInt(yes)
	bigNo := big.NewInt(no)
	bigB := big.NewInt(b)

	// max(yes, no) 与 |yes - no|
	maxQ := bigYes
	diff := new(big.Int).Sub(bigYes, bigNo)
	if diff.Sign() < 0 {
		maxQ = bigNo
		diff.Neg(diff)
	}

	// t = |yes - no| * P / b (缩放 P)
	t := new(big.Int).Mul(diff, bigPrecision)
	t.Div(t, bigB)

	// C = max + b * ln(1 + e^(-t)) / P
	logTerm := logOnePlusExpNeg(t)
	tail := new(big.Int).Mul(bigB, logTerm)
	tail.Div(tail, bigPrecision)

	cost := new(big.Int).Add(maxQ, tail)
	return toInt64(cost)
}

// =============================================================================
// 价格函数
// =============================================================================

// YesPrice 计算 YES 的瞬时价格: P / (1 + e^((no-yes)/b))
//
// 输出缩放 Precision，并钳制到 [MinPrice, MaxPrice]。
func YesPrice(yes, no, b int64) (int64, error) {
	if err := validate(yes, no, b); err != nil {
		return 0, err
	}

	// d = no - yes，e^(d/b) 按符号分派到正/负指数
	d := no - yes
	var ed *big.Int
	if d >= 0 {
		x := new(big.Int).Mul(big.NewInt(d), bigPrecision)
		x.Div(x, big.NewInt(b))
		ed = expFixed(x)
	} else {
		x := new(big.Int).Mul(big.NewInt(-d), bigPrecision)
		x.Div(x, big.NewInt(b))
		ed = expNegFixed(x)
	}

	// p = P^2 / (P + e^(d/b))
	den := new(big.Int).Add(bigPrecision, ed)
	p := new(big.Int).Div(bigPrecision2, den)

	price, err := toInt64(p)
	if err != nil {
		return 0, err
	}
	return clampPrice(price), nil
}

// NoPrice 计算 NO 的瞬时价格
//
// 直接用 Precision - YesPrice 而不是独立计算，
// 保证两边价格之和严格等于 Precision (由构造成立)。
func NoPrice(yes, no, b int64) (int64, error) {
	yp, err := YesPrice(yes, no, b)
	if err != nil {
		return 0, err
	}
	return Precision - yp, nil
}

// clampPrice 把价格钳制到开区间内
func clampPrice(p int64) int64 {
	if p < MinPrice {
		return MinPrice
	}
	if p > MaxPrice {
		return MaxPrice
	}
	return p
}

// =============================================================================
// 交易成本
// =============================================================================

// BuyCost 计算买入 (dYes, dNo) 份额的原始成本
//
//	cost = C(yes+dYes, no+dNo) - C(yes, no)
//
// 成本为负说明数值层出了 bug (买入只会抬高成本函数)，
// 返回 ErrUnderflow 让上游放弃交易。
func BuyCost(yes, no, dYes, dNo, b int64) (int64, error) {
	if dYes < 0 || dNo < 0 {
		return 0, ErrNegativeInput
	}

	before, err := CostFunction(yes, no, b)
	if err != nil {
		return 0, err
	}
	after, err := CostFunction(yes+dYes, no+dNo, b)
	if err != nil {
		return 0, err
	}

	if after < before {
		return 0, ErrUnderflow
	}
	return after - before, nil
}

// SellPayout 计算卖出 (dYes, dNo) 份额的原始回款
//
//	payout = C(yes, no) - C(yes-dYes, no-dNo)
//
// 卖出数量超过库存属于用户错误，返回 ErrUnderflow。
func SellPayout(yes, no, dYes, dNo, b int64) (int64, error) {
	if dYes < 0 || dNo < 0 {
		return 0, ErrNegativeInput
	}
	if dYes > yes || dNo > no {
		return 0, ErrUnderflow
	}

	before, err := CostFunction(yes, no, b)
	if err != nil {
		return 0, err
	}
	after, err := CostFunction(yes-dYes, no-dNo, b)
	if err != nil {
		return 0, err
	}

	if before < after {
		return 0, ErrUnderflow
	}
	return before - after, nil
}

// =============================================================================
// 校验
// =============================================================================

func validate(yes, no, b int64) error {
	if b == 0 {
		return ErrDivisionByZero
	}
	if yes < 0 || no < 0 || b < 0 {
		return ErrNegativeInput
	}
	return nil
}
