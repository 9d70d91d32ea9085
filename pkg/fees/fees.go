// 文件: pkg/fees/fees.go
// 手续费计算器
//
// 核心职责:
// 1. Schedule: 三类费率 (协议/创建者/LP)，单位 ppm (百万分之一)
// 2. Calculate: 把毛额拆分为三份手续费 + 净额
//
// 舍入规则: 各费项向下取整，取整残差并入协议费，
// 保证 Protocol + Creator + LP == Total 且 Total + Net == 毛额，
// 拆分过程不产生也不销毁任何微单位。

package fees

import "errors"

// PpmBase 费率基数: 1_000_000 ppm = 100%
const PpmBase = 1_000_000

var (
	// ErrNegativeAmount 毛额为负
	ErrNegativeAmount = errors.New("fees: negative gross amount")

	// ErrInvalidSchedule 费率为负或合计超过 100%
	ErrInvalidSchedule = errors.New("fees: invalid fee schedule")
)

// Schedule 费率表，从 moodring 配置行加载
type Schedule struct {
	ProtocolRate int64 // 协议费率 (ppm)
	CreatorRate  int64 // 市场创建者费率 (ppm)
	LPRate       int64 // 流动性提供者费率 (ppm)
}

// Validate 校验费率表
func (s Schedule) Validate() error {
	if s.ProtocolRate < 0 || s.CreatorRate < 0 || s.LPRate < 0 {
		return ErrInvalidSchedule
	}
	if s.ProtocolRate+s.CreatorRate+s.LPRate >= PpmBase {
		return ErrInvalidSchedule
	}
	return nil
}

// TotalRate 合计费率 (ppm)
func (s Schedule) TotalRate() int64 {
	return s.ProtocolRate + s.CreatorRate + s.LPRate
}

// Breakdown 一笔毛额的手续费拆分结果，全部微单位
type Breakdown struct {
	Protocol int64 // 协议份额 (含取整残差)
	Creator  int64 // 创建者份额
	LP       int64 // LP 份额
	Total    int64 // Protocol + Creator + LP
	Net      int64 // 毛额 - Total
}

// Calculate 按费率表拆分毛额
//
// 先用合计费率算总费 (向下取整)，再分别下取整出创建者/LP 份额，
// 剩余部分归协议。总费只算一次，三份之和必然等于总费。
//
// 用法:
//
//	bd, err := sched.Calculate(rawCost)
//	totalCost := rawCost + bd.Total  // 买入: 费用加在毛成本之上
func (s Schedule) Calculate(gross int64) (Breakdown, error) {
	if gross < 0 {
		return Breakdown{}, ErrNegativeAmount
	}
	if err := s.Validate(); err != nil {
		return Breakdown{}, err
	}

	total := gross * s.TotalRate() / PpmBase
	creator := gross * s.CreatorRate / PpmBase
	lp := gross * s.LPRate / PpmBase

	return Breakdown{
		Protocol: total - creator - lp,
		Creator:  creator,
		LP:       lp,
		Total:    total,
		Net:      gross - total,
	}, nil
}
