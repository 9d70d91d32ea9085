package main

import (
	"context"
	"log"
	"math/rand"
	"time"

	"pmx.com/pkg/ledger"
	"pmx.com/pkg/liquidity"
	"pmx.com/pkg/resolution"
	"pmx.com/pkg/risk"
	"pmx.com/pkg/stream"
	"pmx.com/pkg/trade"
)

// 全内存仿真: 建市 → 注资 → 随机交易 → 结算 → 领取 → LP 提取，
// 最后对全局资金守恒做一次硬校验。

const (
	numTraders     = 10
	tradesPerUser  = 20
	initialBalance = 100_000_000_000 // 每人 100,000 单位
	seedLiquidity  = 10_000_000_000  // 创始注资 10,000 单位
	liquidityParam = 5_000_000_000   // b = 5,000 单位
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("🚀 Starting prediction market simulation...")

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if err := store.SaveMoodring(ctx, ledger.DefaultMoodring()); err != nil {
		log.Fatalf("seed config: %v", err)
	}

	// 1. 事件枢纽 + 订阅计数
	// -------------------------------------------------------------------------
	hub, err := stream.NewHub(1)
	if err != nil {
		log.Fatalf("create hub: %v", err)
	}
	defer hub.Close()

	eventCounts := make(map[stream.EventType]int)
	sub := hub.Subscribe(stream.Filter{All: true})
	countDone := make(chan struct{})
	go func() {
		defer close(countDone)
		for e := range sub.C {
			eventCounts[e.Type]++
		}
	}()

	// 2. 建市与创始注资
	// -------------------------------------------------------------------------
	market := ledger.NewMarket("founder", "Will BTC close above 100k this year?", "",
		time.Now().Add(time.Hour).Unix(), liquidityParam, ledger.ResolutionOracle)
	if err := store.CreateMarket(ctx, market); err != nil {
		log.Fatalf("create market: %v", err)
	}
	option := ledger.NewOption(market.ID, "above-100k")
	if err := store.AddOption(ctx, option); err != nil {
		log.Fatalf("add option: %v", err)
	}

	users := []string{"founder"}
	for i := 0; i < numTraders; i++ {
		users = append(users, randomUserID(i))
	}
	for _, u := range users {
		if err := store.CreateWallet(ctx, ledger.NewWallet(u)); err != nil {
			log.Fatalf("create wallet: %v", err)
		}
		if err := store.CreditWallet(ctx, u, initialBalance); err != nil {
			log.Fatalf("credit wallet: %v", err)
		}
	}
	totalFunds := int64(len(users)) * initialBalance

	lpManager := liquidity.NewManager(store, hub)
	if _, err := lpManager.Initialize(ctx, "founder", market.ID, seedLiquidity); err != nil {
		log.Fatalf("initialize liquidity: %v", err)
	}
	log.Printf("✅ Market initialized: b=%d seed=%d", liquidityParam, seedLiquidity)

	// 3. 随机交易
	// -------------------------------------------------------------------------
	engine, err := trade.NewEngine(store, risk.NewController(), hub, nil, 1)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	var buys, sells, rejected int
	for round := 0; round < tradesPerUser; round++ {
		for i := 0; i < numTraders; i++ {
			user := randomUserID(i)
			qty := (rand.Int63n(200) + 1) * 1_000_000 // 1 ~ 200 份

			var dYes, dNo int64
			if rand.Intn(2) == 0 {
				dYes = qty
			} else {
				dNo = qty
			}

			// 三成概率尝试减仓
			if rand.Float32() < 0.3 {
				pos, err := store.GetPosition(ctx, user, option.ID)
				if err == nil && pos != nil {
					side := ledger.SideYes
					if dNo > 0 {
						side = ledger.SideNo
					}
					if held := pos.SharesOf(side); held > 0 {
						sellQty := held/2 + 1
						req := trade.SellRequest{UserID: user, MarketID: market.ID, OptionID: option.ID}
						if side == ledger.SideYes {
							req.DeltaYes = sellQty
						} else {
							req.DeltaNo = sellQty
						}
						if _, err := engine.Sell(ctx, req); err != nil {
							rejected++
						} else {
							sells++
						}
						continue
					}
				}
			}

			_, err := engine.Buy(ctx, trade.BuyRequest{
				UserID: user, MarketID: market.ID, OptionID: option.ID,
				DeltaYes: dYes, DeltaNo: dNo,
			})
			if err != nil {
				rejected++
			} else {
				buys++
			}
		}
	}

	quote, err := engine.PriceAt(ctx, option.ID)
	if err != nil {
		log.Fatalf("quote: %v", err)
	}
	log.Printf("📈 Trading done: buys=%d sells=%d rejected=%d yes_price=%.4f",
		buys, sells, rejected, float64(quote.YesPrice)/1_000_000)

	// 4. 结算与领取
	// -------------------------------------------------------------------------
	winner := ledger.SideYes
	if quote.YesPrice < 500_000 {
		winner = ledger.SideNo
	}
	resolver := resolution.NewResolver(store, hub)
	if err := resolver.ResolveOracle(ctx, option.ID, winner); err != nil {
		log.Fatalf("resolve: %v", err)
	}
	log.Printf("⚖️  Resolved: winner=%s", winner)

	var claims int
	var claimedTotal int64
	for i := 0; i < numTraders; i++ {
		user := randomUserID(i)
		res, err := engine.Claim(ctx, user, market.ID, option.ID)
		if err != nil {
			continue
		}
		claims++
		claimedTotal += res.Payout
	}
	log.Printf("💰 Claims: n=%d total=%d", claims, claimedTotal)

	// 5. LP 提取
	// -------------------------------------------------------------------------
	withdrawal, err := lpManager.Remove(ctx, "founder", market.ID, seedLiquidity)
	if err != nil {
		log.Fatalf("lp withdraw: %v", err)
	}
	log.Printf("🏦 LP withdrawal: pool=%d fees=%d total=%d",
		withdrawal.PoolPortion, withdrawal.FeePortion, withdrawal.TotalWithdrawn)

	// 6. 守恒校验: 钱包 + 池 + 手续费计数 = 初始注入
	// -------------------------------------------------------------------------
	var walletTotal int64
	for _, u := range users {
		w, err := store.GetWallet(ctx, u)
		if err != nil {
			log.Fatalf("wallet %s: %v", u, err)
		}
		walletTotal += w.BalanceUSDC
	}
	m, err := store.GetMarket(ctx, market.ID)
	if err != nil {
		log.Fatalf("market: %v", err)
	}
	accounted := walletTotal + m.SharedPoolLiquidity +
		m.ProtocolFeesCollected + m.CreatorFeesCollected + m.AccumulatedLpFees

	log.Printf("📊 Volume=%d pool=%d protocol_fees=%d creator_fees=%d lp_fees=%d",
		m.TotalVolume, m.SharedPoolLiquidity,
		m.ProtocolFeesCollected, m.CreatorFeesCollected, m.AccumulatedLpFees)

	if accounted != totalFunds {
		log.Fatalf("❌ CONSERVATION VIOLATED: accounted=%d injected=%d drift=%d",
			accounted, totalFunds, accounted-totalFunds)
	}
	log.Printf("✅ Conservation holds: accounted=%d injected=%d", accounted, totalFunds)

	hub.Unsubscribe(sub)
	<-countDone
	for typ, n := range eventCounts {
		log.Printf("📡 events %-16s %d", typ, n)
	}
	log.Println("🏁 Simulation finished")
}

func randomUserID(i int) string {
	return "trader-" + string(rune('a'+i))
}
