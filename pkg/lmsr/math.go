// 文件: pkg/lmsr/math.go
// LMSR 定价核心 - 定点数学原语
//
// 设计目标:
// 1. 全程整数运算: 所有量以 PRECISION=10^6 缩放，中间量用 math/big，不引入浮点
// 2. 数值稳定: 指数/对数都在有界区间内近似，超界饱和而不是溢出
// 3. 失败即暴露: 溢出/下溢直接返回错误，定价层的 bug 不允许静默吞掉

package lmsr

import (
	"errors"
	"math/big"
)

// =============================================================================
// 常量
// =============================================================================

const (
	// Precision 定点缩放因子
	// 1 单位 = 10^6 微单位，价格/比率也统一用该精度表示
	Precision = 1_000_000

	// Ln2Scaled ln(2) * Precision
	// 小参数分支的泰勒展开锚点
	Ln2Scaled = 693_147

	// expSaturationInput 指数输入上界 (缩放后)
	// 交易量受限，|q_yes - q_no| / b 在正常运行中远小于 500，
	// 超过即饱和，避免天文数字进入后续运算
	expSaturationInput = 500 * Precision
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	// ErrOverflow 中间量超出软上限，或结果无法放回 int64
	// 出现即说明定价层有 bug，不是用户错误
	ErrOverflow = errors.New("lmsr: arithmetic overflow")

	// ErrUnderflow 卖出数量超过库存，或成本差为负
	ErrUnderflow = errors.New("lmsr: arithmetic underflow")

	// ErrDivisionByZero 流动性参数 b = 0
	// 调用方应在进入内核前拒绝，这里是最后一道防线
	ErrDivisionByZero = errors.New("lmsr: division by zero")

	// ErrNegativeInput 输入了负的数量
	ErrNegativeInput = errors.New("lmsr: negative input")
)

// =============================================================================
// big.Int 辅助
// =============================================================================

var (
	bigPrecision  = big.NewInt(Precision)
	bigPrecision2 = new(big.Int).Mul(bigPrecision, bigPrecision) // P^2
	bigOne        = big.NewInt(1)

	// bigExpSat 指数饱和输出: 10^15 * Precision，超出 int64 范围，
	// 只在 big.Int 中间量里出现，收敛回 int64 前会被上游钳制/整除
	bigExpSat = new(big.Int).Mul(big.NewInt(1_000_000_000_000_000), bigPrecision)
)

// toInt64 把 big.Int 收敛回 int64，放不下则报溢出
func toInt64(x *big.Int) (int64, error) {
	if !x.IsInt64() {
		return 0, ErrOverflow
	}
	return x.Int64(), nil
}

// =============================================================================
// 指数近似
// =============================================================================

// expFixed 计算 e^(x/P)，输入输出均缩放 P 倍
//
// 【近似】4 项泰勒展开:
//
//	e^x ≈ 1 + x + x^2/2 + x^3/6 + x^4/24
//
// 定点形式 (P = Precision):
//
//	result = P + x + x^2/(2P) + x^3/(6P^2) + x^4/(24P^3)
//
// 【饱和】x > 500P 时直接返回 10^15 * P。
// 交易引擎保证 |q_yes - q_no|/b 处于小参数区间，饱和分支只在
// 极端市场或脏数据时触发，此时上游的价格钳制会兜底。
func expFixed(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		// 负参数走 expNegFixed，这里按约定只接受非负
		return new(big.Int).Set(bigOne)
	}
	if x.Cmp(big.NewInt(expSaturationInput)) > 0 {
		return new(big.Int).Set(bigExpSat)
	}

	// term1 = x
	result := new(big.Int).Add(bigPrecision, x)

	// term2 = x^2 / (2P)
	x2 := new(big.Int).Mul(x, x)
	term := new(big.Int).Div(x2, new(big.Int).Lsh(bigPrecision, 1))
	result.Add(result, term)

	// term3 = x^3 / (6P^2)
	x3 := new(big.Int).Mul(x2, x)
	term = new(big.Int).Div(x3, new(big.Int).Mul(big.NewInt(6), bigPrecision2))
	result.Add(result, term)

	// term4 = x^4 / (24P^3)
	x4 := new(big.Int).Mul(x3, x)
	den := new(big.Int).Mul(big.NewInt(24), new(big.Int).Mul(bigPrecision2, bigPrecision))
	term = new(big.Int).Div(x4, den)
	result.Add(result, term)

	// 软上限: 泰勒结果不应超过饱和值
	if result.Cmp(bigExpSat) > 0 {
		return new(big.Int).Set(bigExpSat)
	}
	return result
}

// expNegFixed 计算 e^(-x/P)，x 非负，输入输出均缩放 P 倍
//
// 先算 e^x 再取倒数: P^2 / e^x。
// 相比直接对 -x 展开泰勒，倒数法在 x 较大时不会出现负的部分和，
// 精度损失只有最后一次整除。
func expNegFixed(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		return new(big.Int).Set(bigPrecision)
	}
	if x.Cmp(big.NewInt(expSaturationInput)) > 0 {
		// e^(-500) 下溢为最小正值 1
		return new(big.Int).Set(bigOne)
	}
	e := expFixed(x)
	if e.Sign() == 0 {
		return new(big.Int).Set(bigOne)
	}
	return new(big.Int).Div(bigPrecision2, e)
}

// =============================================================================
// ln(1 + e^(-t)) 近似
// =============================================================================

// logOnePlusExpNeg 计算 ln(1 + e^(-t/P))，t 非负，输入输出均缩放 P 倍
//
// 分段近似:
//
//	t < P    (小参数): ln(1+e^(-t)) ≈ ln2 - t/2 + t^2/8
//	t ≤ 500P (中参数): y = e^(-t)，ln(1+y) ≈ y - y^2/2 + y^3/3
//	t > 500P (大参数): 0 (e^(-t) 已下溢)
//
// 小参数分支是 ln(1+e^(-t)) 在 t=0 处的泰勒展开，
// 在 [0, 1) 上最大误差约 2e-3，对应成本误差被 b 放大后仍在
// 手续费噪声以下。
func logOnePlusExpNeg(t *big.Int) *big.Int {
	if t.Sign() <= 0 {
		return big.NewInt(Ln2Scaled)
	}
	if t.Cmp(big.NewInt(expSaturationInput)) > 0 {
		return big.NewInt(0)
	}

	if t.Cmp(bigPrecision) < 0 {
		// ln2 - t/2 + t^2/(8P)
		result := big.NewInt(Ln2Scaled)
		result.Sub(result, new(big.Int).Rsh(t, 1))
		t2 := new(big.Int).Mul(t, t)
		result.Add(result, t2.Div(t2, new(big.Int).Lsh(bigPrecision, 3)))
		if result.Sign() < 0 {
			return big.NewInt(0)
		}
		return result
	}

	// 中参数: y = e^(-t)，三项交错级数
	y := expNegFixed(t)
	result := new(big.Int).Set(y)

	y2 := new(big.Int).Mul(y, y)
	result.Sub(result, new(big.Int).Div(y2, new(big.Int).Lsh(bigPrecision, 1)))

	y3 := new(big.Int).Mul(y2, y)
	result.Add(result, y3.Div(y3, new(big.Int).Mul(big.NewInt(3), bigPrecision2)))

	if result.Sign() < 0 {
		return big.NewInt(0)
	}
	return result
}
