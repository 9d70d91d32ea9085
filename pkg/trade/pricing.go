// 文件: pkg/trade/pricing.go
// 报价读路径
//
// 当前价从选项库存现算 (与成交后的价格点构造同一内核)，
// 历史价走 price_history 的区间扫描，均不加行锁。

package trade

import (
	"context"
	"time"

	"pmx.com/pkg/ledger"
	"pmx.com/pkg/lmsr"
)

// Quote 当前报价
type Quote struct {
	OptionID    string `json:"option_id"`
	YesPrice    int64  `json:"yes_price"`
	NoPrice     int64  `json:"no_price"`
	YesQuantity int64  `json:"yes_quantity"`
	NoQuantity  int64  `json:"no_quantity"`
	Timestamp   int64  `json:"timestamp"`
}

// Range 价格历史时间窗
type Range string

const (
	Range1H  Range = "1H"
	Range24H Range = "24H"
	Range7D  Range = "7D"
	Range30D Range = "30D"
	RangeAll Range = "ALL"
)

// sinceMillis 窗口起点 (毫秒)，ALL 与未知窗口返回 0 (全量)
func (r Range) sinceMillis(now time.Time) int64 {
	var d time.Duration
	switch r {
	case Range1H:
		d = time.Hour
	case Range24H:
		d = 24 * time.Hour
	case Range7D:
		d = 7 * 24 * time.Hour
	case Range30D:
		d = 30 * 24 * time.Hour
	default:
		return 0
	}
	return now.Add(-d).UnixMilli()
}

// PriceAt 按当前库存现算选项报价
func (e *Engine) PriceAt(ctx context.Context, optionID string) (*Quote, error) {
	o, err := e.store.GetOption(ctx, optionID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}

	yp, err := lmsr.YesPrice(o.YesQuantity, o.NoQuantity, m.LiquidityParameter)
	if err != nil {
		return nil, kernelErr(err)
	}
	return &Quote{
		OptionID:    optionID,
		YesPrice:    yp,
		NoPrice:     lmsr.Precision - yp,
		YesQuantity: o.YesQuantity,
		NoQuantity:  o.NoQuantity,
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

// PriceHistory 选项在给定窗口内的价格点序列 (时间升序)
func (e *Engine) PriceHistory(ctx context.Context, optionID string, r Range) ([]*ledger.PricePoint, error) {
	if _, err := e.store.GetOption(ctx, optionID); err != nil {
		return nil, err
	}
	return e.store.PriceHistory(ctx, optionID, r.sinceMillis(time.Now()))
}
