package backtest

import (
	"math"
	"strconv"
	"time"

	"github.com/sawpanic/agentfabric/internal/clockid"
	"github.com/sawpanic/agentfabric/internal/marketfilter"
	"github.com/sawpanic/agentfabric/internal/marketregime"
	"github.com/sawpanic/agentfabric/internal/pyramid"
)

func sumsToOne(portions []float64) bool {
	if len(portions) == 0 {
		return true
	}
	total := 0.0
	for _, p := range portions {
		total += p
	}
	return math.Abs(total-1.0) <= 1e-3
}

func validate(bars []Bar, sig Signals, cfg Config) []string {
	var errs []string
	if len(bars) == 0 {
		errs = append(errs, "empty candle series")
	}
	if len(sig.LongEntries) != len(bars) || len(sig.ShortEntries) != len(bars) ||
		len(sig.LongExits) != len(bars) || len(sig.ShortExits) != len(bars) {
		errs = append(errs, "signal array length mismatch with candle series")
	}
	if cfg.TPMode == ModeMulti && !sumsToOne(cfg.TPPortions) {
		errs = append(errs, "tp_portions must sum to 1.0")
	}
	if cfg.ScaleInEnabled && !sumsToOne(cfg.ScaleInPortions) {
		errs = append(errs, "scale_in_portions must sum to 1.0")
	}
	return errs
}

// atrSeries computes Wilder's ATR aligned to each bar index (0 before
// the indicator has enough history).
func atrSeries(bars []Bar, period int) []float64 {
	out := make([]float64, len(bars))
	if period <= 0 || len(bars) < period+1 {
		return out
	}
	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		cur, prevClose := bars[i], bars[i-1].Close
		hl := cur.High - cur.Low
		hc := math.Abs(cur.High - prevClose)
		lc := math.Abs(cur.Low - prevClose)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = atr*(1-alpha) + tr[i]*alpha
		out[i] = atr
	}
	return out
}

// ohlcvSeries flattens the bar slice into the parallel float64 arrays
// internal/marketfilter.BuildSeries expects.
func ohlcvSeries(bars []Bar) (closes, highs, lows, volumes []float64) {
	closes = make([]float64, len(bars))
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	volumes = make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}
	return
}

func avgVolume(bars []Bar, i, window int) float64 {
	start := i - window
	if start < 0 {
		start = 0
	}
	if start >= i {
		return bars[i].Volume
	}
	sum := 0.0
	count := 0
	for k := start; k < i; k++ {
		sum += bars[k].Volume
		count++
	}
	if count == 0 {
		return bars[i].Volume
	}
	return sum / float64(count)
}

// effectiveSlippage implements §6.5's formulas.
func effectiveSlippage(cfg Config, bar Bar, avgVol, atr float64) float64 {
	base := cfg.Slippage
	volFactor := func() float64 {
		if avgVol == 0 {
			return 0
		}
		return cfg.SlippageVolumeImpact * (bar.Volume/avgVol - 1)
	}
	volatilityTerm := func() float64 {
		if bar.Close == 0 {
			return 0
		}
		return cfg.SlippageVolatilityMult * (atr / bar.Close)
	}
	switch cfg.SlippageModel {
	case SlippageVolume:
		return base * (1 + volFactor())
	case SlippageVolatility:
		return base + volatilityTerm()
	case SlippageCombined:
		return base*(1+volFactor()) + volatilityTerm()
	case SlippageAdvanced:
		atrPct := 0.0
		if bar.Close != 0 {
			atrPct = atr / bar.Close
		}
		avf := avgVol
		if avf == 0 {
			avf = bar.Volume
		}
		volRatio := 1.0
		if bar.Volume != 0 {
			volRatio = avf / bar.Volume
		}
		return base * clamp(atrPct/0.01, 0.5, 2.0) * clamp(volRatio, 0.5, 2.0)
	default:
		return base
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// pendingExit is scheduled during a bar and flushed (filled) at the
// start of the next bar, with slippage already baked into Price.
type pendingExit struct {
	Price  float64
	Reason ExitReason
}

// pendingEntryLeg is one still-unfilled scale-in or limit/stop entry
// leg.
type pendingEntryLeg struct {
	Price      float64
	Capital    float64
	TimeoutBar int
	PlacedBar  int
}

type multiTPState struct {
	prices          []float64
	portions        []float64
	hit             []bool
	count           int
	breakevenActive bool
	breakevenPrice  float64
}

type trailingState struct {
	active    bool
	best      float64
	stopPrice float64
}

type dcaState struct {
	basePrice float64
	orders    []pyramid.SafetyOrder
	filled    int
}

// Engine runs one single-threaded backtest per Run call; an optimizer
// (C17) gives each concurrent sweep combination its own Engine
// instance over a shared read-only candle slice, per §5's resource
// model.
type Engine struct {
	cfg Config
	mgr *pyramid.Manager
}

// NewEngine constructs an engine for one run.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.WithDefaults(), mgr: pyramid.NewManager()}
}

// Run walks bars once under sig and returns trades, equity curve, and
// validity. Never panics on bad input; instead Result.IsValid is
// false and Errors explains why.
func (e *Engine) Run(bars []Bar, sig Signals) Result {
	if errs := validate(bars, sig, e.cfg); len(errs) > 0 {
		return Result{IsValid: false, Errors: errs}
	}

	cfg := e.cfg
	atr := atrSeries(bars, cfg.ATRPeriod)
	warmup := cfg.ATRPeriod
	if warmup < 1 {
		warmup = 1
	}

	mfCfg := cfg.marketFilterConfig()
	closes, highs, lows, volumes := ohlcvSeries(bars)
	mfSeries := marketfilter.BuildSeries(closes, highs, lows, volumes, atr, mfCfg)
	var regimeDetector *marketregime.Detector
	if cfg.MarketRegimeEnabled {
		regimeDetector = marketregime.New(cfg.MarketRegimeLookback)
	}

	cash := cfg.InitialCapital
	equity := make([]EquityPoint, 0, len(bars)+1)
	var trades []TradeRecord

	pending := map[pyramid.Direction]*pendingExit{}
	legs := map[pyramid.Direction][]pendingEntryLeg{}
	tp := map[pyramid.Direction]*multiTPState{Long(): {}, Short(): {}}
	trail := map[pyramid.Direction]*trailingState{Long(): {}, Short(): {}}
	dca := map[pyramid.Direction]*dcaState{Long(): {}, Short(): {}}
	lastExitBar := map[pyramid.Direction]int{Long(): -1 << 30, Short(): -1 << 30}
	consecutiveLosses := 0
	cooldownUntil := -1
	tradeCountByDay := map[string]int{}
	tradeCountByWeek := map[string]int{}
	var recentTrades []TradeRecord

	if warmup > len(bars) {
		eq := make([]EquityPoint, len(bars)+1)
		for i := 0; i <= len(bars); i++ {
			t := bars[0].Time
			if i < len(bars) {
				t = bars[i].Time
			}
			eq[i] = EquityPoint{Time: t, Equity: cfg.InitialCapital}
		}
		return Result{IsValid: true, Equity: eq, Trades: nil}
	}

	// Bars before the warm-up carry the initial capital without trading.
	for k := 0; k < warmup; k++ {
		equity = append(equity, EquityPoint{Time: bars[k].Time, Equity: cfg.InitialCapital})
	}

	closeDir := func(dir pyramid.Direction, barIdx int, slice pyramid.ClosedSlice, reason ExitReason) {
		fee := slice.ClosePrice * slice.Size * cfg.TakerFee
		cash += slice.Entry.Capital * (slice.Size / slice.Entry.Size)
		cash += slice.PnL
		cash -= fee
		pnlPct := 0.0
		if slice.Entry.Price != 0 {
			pnlPct = slice.PnL / (slice.Entry.Price * slice.Size)
		}
		trades = append(trades, TradeRecord{
			EntryTime:    slice.Entry.Time,
			ExitTime:     bars[barIdx].Time,
			Direction:    dir,
			EntryPrice:   slice.Entry.Price,
			ExitPrice:    slice.ClosePrice,
			Size:         slice.Size,
			PnL:          slice.PnL - fee,
			PnLPct:       pnlPct,
			Fees:         fee,
			ExitReason:   reason,
			DurationBars: barIdx - slice.Entry.BarIdx,
		})
	}

	for i := warmup; i < len(bars); i++ {
		bar := bars[i]

		// 1. Mark-to-market: nothing to store globally here beyond
		// what unrealized PnL computes below. MFE/MAE are not tracked:
		// TradeRecord.MFE and TradeRecord.MAE are always left at zero.

		// 1b. Market regime detector observes this bar before any
		// filter below queries it, so should_trade already reflects
		// the bar's own close/volume/ATR.
		if regimeDetector != nil {
			regimeDetector.Update(bar.Close, bar.Volume, atr[i])
		}

		// 1c. Time-based entry constraints: convert to the configured
		// zone before reading hour/weekday, matching §4.10 step 10.
		// NoTradeDays/NoTradeHours use time.Weekday (Sunday=0)
		// directly rather than a borrowed Monday=0 convention.
		localTime := clockid.ConvertZone(bar.Time, cfg.Timezone)
		hour := localTime.Hour()
		weekday := localTime.Weekday()
		timeAllowsEntry := true
		if cfg.noTradeDay(weekday) {
			timeAllowsEntry = false
		}
		if cfg.noTradeHour(hour) {
			timeAllowsEntry = false
		}
		if cfg.ExitOnSessionClose && hour >= cfg.SessionEndHour {
			timeAllowsEntry = false
		}

		// 1d. Market condition / trend / momentum gates, precomputed
		// per bar by internal/marketfilter plus the regime detector's
		// should_trade.
		marketAllow := marketfilter.MarketConditionsAllow(i, mfSeries, mfCfg)
		if cfg.MarketRegimeEnabled && regimeDetector != nil && !regimeDetector.ShouldTrade(cfg.MarketRegimeFilter) {
			marketAllow = false
		}
		trendAllowLong, trendAllowShort := marketfilter.TrendGate(i, bar.Close, mfSeries, mfCfg)
		momentumAllowLong, momentumAllowShort := marketfilter.MomentumGate(i, mfSeries, mfCfg)

		// 2. Flush pending exits scheduled on the previous bar.
		for _, dir := range []pyramid.Direction{Long(), Short()} {
			pe, ok := pending[dir]
			if !ok {
				continue
			}
			delete(pending, dir)
			slices := e.mgr.ClosePosition(dir, pe.Price)
			for _, s := range slices {
				closeDir(dir, i, s, pe.Reason)
			}
			if len(slices) > 0 {
				last := trades[len(trades)-1]
				lastExitBar[dir] = i
				recentTrades = append(recentTrades, last)
				if len(recentTrades) > 20 {
					recentTrades = recentTrades[len(recentTrades)-20:]
				}
				if last.PnL < 0 {
					consecutiveLosses++
					if cfg.CooldownAfterLoss > 0 && consecutiveLosses >= maxInt(1, cfg.MaxConsecutiveLosses) {
						cooldownUntil = i + cfg.CooldownAfterLoss
					}
				} else {
					consecutiveLosses = 0
				}
			}
			tp[dir] = &multiTPState{}
			trail[dir] = &trailingState{}
			dca[dir] = &dcaState{}
		}

		// 3. Pending limit/stop/scale-in entry fills.
		for _, dir := range []pyramid.Direction{Long(), Short()} {
			var remaining []pendingEntryLeg
			for _, leg := range legs[dir] {
				filled := false
				if dir == Long() && bar.Low <= leg.Price {
					filled = true
				}
				if dir == Short() && bar.High >= leg.Price {
					filled = true
				}
				if !filled && cfg.LimitEntryTimeoutBars > 0 && i-leg.PlacedBar >= cfg.LimitEntryTimeoutBars {
					continue // cancelled: drop without filling
				}
				if filled {
					size := leg.Capital * cfg.Leverage / leg.Price
					e.mgr.AddEntry(dir, leg.Price, size, leg.Capital, i, bar.Time)
					cash -= leg.Capital
					continue
				}
				remaining = append(remaining, leg)
			}
			legs[dir] = remaining
		}

		// 4. Multi-TP engine.
		for _, dir := range []pyramid.Direction{Long(), Short()} {
			pos := e.mgr.Position(dir)
			if pos.IsFlat() || cfg.TPMode != ModeMulti {
				continue
			}
			state := tp[dir]
			if len(state.prices) == 0 {
				avg := pos.AvgEntryPrice()
				state.prices = pyramid.GetMultiTPPrices(dir, avg, cfg.TPLevels)
				state.portions = cfg.TPPortions
				state.hit = make([]bool, len(state.prices))
			}
			for idx := 0; idx < len(state.prices); idx++ {
				if state.hit[idx] {
					continue
				}
				touched := (dir == Long() && bar.High >= state.prices[idx]) ||
					(dir == Short() && bar.Low <= state.prices[idx])
				if !touched {
					break // staircase: later levels can't fire before earlier ones
				}
				state.hit[idx] = true
				state.count++
				// portion is relative to whatever remains open at this
				// instant (pyramid.ClosePartial's own semantics), not
				// the original position size — a TP staircase of
				// [0.5, 0.5] therefore closes 50% then 25%, leaving
				// 25% for a later stop/breakeven exit, matching the
				// source's documented behavior.
				slices, _ := e.mgr.ClosePartial(dir, state.prices[idx], state.portions[idx], cfg.CloseEntriesRule)
				for _, s := range slices {
					closeDir(dir, i, s, ExitTakeProfit)
				}
				if idx == 0 && cfg.BreakevenEnabled {
					avg := pos.AvgEntryPrice()
					state.breakevenActive = true
					if dir == Long() {
						state.breakevenPrice = avg * (1 + cfg.BreakevenOffset)
					} else {
						state.breakevenPrice = avg * (1 - cfg.BreakevenOffset)
					}
				} else if state.breakevenActive && cfg.BreakevenMode == BreakevenTP {
					state.breakevenPrice = state.prices[idx]
				}
				// Every TP has fired: if that also exhausted the
				// position (portions summed to the whole thing),
				// there's nothing left to manage. A residual (e.g.
				// portions expressed relative to what remained at
				// each step) stays open under break-even/SL like any
				// other position.
				if state.count == len(state.prices) && pos.IsFlat() {
					pending[dir] = &pendingExit{Price: bar.Close, Reason: ExitTakeProfit}
				}
			}
		}

		// 5-7. Break-even / ATR-SL / fixed-SL / trailing / standard
		// SL-TP, producing at most one scheduled exit per direction.
		for _, dir := range []pyramid.Direction{Long(), Short()} {
			pos := e.mgr.Position(dir)
			if pos.IsFlat() || pending[dir] != nil {
				continue
			}
			avg := pos.AvgEntryPrice()
			var slPrice, tpPrice float64
			haveTP := cfg.TPMode != ModeMulti

			state := tp[dir]
			if cfg.TPMode == ModeMulti && state.breakevenActive {
				slPrice = state.breakevenPrice
			} else {
				slPrice = slPriceFor(dir, avg, atr[i], cfg)
			}
			if haveTP {
				tpPrice = tpPriceFor(dir, avg, atr[i], cfg)
			}

			// 6. Trailing stop.
			if cfg.TrailingStopEnabled {
				ts := trail[dir]
				unrealizedPct := directionalReturn(dir, avg, bar.Close)
				if !ts.active && unrealizedPct >= cfg.TrailingStopActivation {
					ts.active = true
					if dir == Long() {
						ts.best = bar.High
					} else {
						ts.best = bar.Low
					}
				}
				if ts.active {
					if dir == Long() && bar.High > ts.best {
						ts.best = bar.High
					}
					if dir == Short() && bar.Low < ts.best {
						ts.best = bar.Low
					}
					if dir == Long() {
						ts.stopPrice = ts.best * (1 - cfg.TrailingStopDistance)
					} else {
						ts.stopPrice = ts.best * (1 + cfg.TrailingStopDistance)
					}
					pierced := (dir == Long() && bar.Low <= ts.stopPrice) || (dir == Short() && bar.High >= ts.stopPrice)
					if pierced {
						pending[dir] = &pendingExit{Price: ts.stopPrice, Reason: ExitTrailingStop}
						continue
					}
				}
			}

			// 7. Standard SL/TP check: SL first, then TP.
			slHit := (dir == Long() && bar.Low <= slPrice) || (dir == Short() && bar.High >= slPrice)
			if slHit {
				pending[dir] = &pendingExit{Price: slPrice, Reason: ExitStopLoss}
				continue
			}
			if haveTP {
				tpHit := (dir == Long() && bar.High >= tpPrice) || (dir == Short() && bar.Low <= tpPrice)
				if tpHit {
					pending[dir] = &pendingExit{Price: tpPrice, Reason: ExitTakeProfit}
					continue
				}
			}

			// 8. Signal exits.
			if (dir == Long() && i < len(sig.LongExits) && sig.LongExits[i]) ||
				(dir == Short() && i < len(sig.ShortExits) && sig.ShortExits[i]) {
				pending[dir] = &pendingExit{Price: bar.Close, Reason: ExitSignal}
				continue
			}

			// 8b. Exit on session close, one hour before
			// SessionEndHour (the source checks current_hour >=
			// session_end_hour - 1).
			if cfg.ExitOnSessionClose && hour >= cfg.SessionEndHour-1 {
				pending[dir] = &pendingExit{Price: bar.Close, Reason: ExitSessionClose}
				continue
			}

			// 8c. Exit end of week on Friday, ExitBeforeWeekend hours
			// before midnight.
			if cfg.ExitEndOfWeek && weekday == time.Friday && hour >= 24-cfg.ExitBeforeWeekend {
				pending[dir] = &pendingExit{Price: bar.Close, Reason: ExitWeekendClose}
				continue
			}

			// 10 (partial): max_bars_in_trade forced exit.
			if cfg.MaxBarsInTrade > 0 && i-pos.FirstEntryBar >= cfg.MaxBarsInTrade {
				pending[dir] = &pendingExit{Price: bar.Close, Reason: ExitTimeExit}
				continue
			}
		}

		// 9. DCA safety orders.
		if cfg.DCAEnabled {
			for _, dir := range []pyramid.Direction{Long(), Short()} {
				pos := e.mgr.Position(dir)
				if pos.IsFlat() || pending[dir] != nil {
					continue
				}
				state := dca[dir]
				if len(state.orders) == 0 {
					state.basePrice = pos.Entries[0].Price
					state.orders = pyramid.GenerateSafetyOrderGrid(cfg.DCACount, cfg.DCABaseDeviation, cfg.DCAStepScale, cfg.DCABaseVolumeSize, cfg.DCAVolumeScale)
				}
				if state.filled >= len(state.orders) {
					continue
				}
				order := state.orders[state.filled]
				if pyramid.SafetyOrderFills(dir, order, state.basePrice, bar.Low, bar.High) {
					capital := cash * order.VolumeRatio
					fillPrice := state.basePrice * (1 - order.Deviation)
					if dir == Short() {
						fillPrice = state.basePrice * (1 + order.Deviation)
					}
					size := capital * cfg.Leverage / fillPrice
					e.mgr.AddEntry(dir, fillPrice, size, capital, i, bar.Time)
					cash -= capital
					state.filled++
					tp[dir] = &multiTPState{} // recompute multi-TP off the new average
				}
			}
		}

		// 10. Time and market filters were computed once above (1c/1d)
		// and MTF filters arrive via sig.allowLong/allowShort;
		// reentry/cooldown/quota guards are computed inline below at
		// entry time.

		// 11. Entries.
		dayKey := bar.Time.Format("2006-01-02")
		_, isoWeek := bar.Time.ISOWeek()
		weekKey := bar.Time.Format("2006") + "-W" + strconv.Itoa(isoWeek)

		tryEnter := func(dir pyramid.Direction, triggered bool) {
			if !triggered || pending[dir] != nil {
				return
			}
			if cfg.Direction != DirBoth && AllowedDirection(dir) != cfg.Direction {
				return
			}
			if !cfg.HedgeMode {
				other := Short()
				if dir == Short() {
					other = Long()
				}
				if !e.mgr.Position(other).IsFlat() {
					return
				}
			}
			if dir == Long() && !sig.allowLong(i) {
				return
			}
			if dir == Short() && !sig.allowShort(i) {
				return
			}
			if !timeAllowsEntry || !marketAllow {
				return
			}
			if dir == Long() && (!trendAllowLong || !momentumAllowLong) {
				return
			}
			if dir == Short() && (!trendAllowShort || !momentumAllowShort) {
				return
			}
			if !e.mgr.CanAddEntry(dir, cfg.Pyramiding) {
				return
			}
			if i <= cooldownUntil {
				return
			}
			if e.mgr.Position(dir).IsFlat() && lastExitBar[dir] > -1<<29 {
				if !cfg.AllowReEntry {
					return
				}
				if i-lastExitBar[dir] < cfg.ReEntryDelayBars {
					return
				}
			}
			if cfg.MaxTradesPerDay > 0 && tradeCountByDay[dayKey] >= cfg.MaxTradesPerDay {
				return
			}
			if cfg.MaxTradesPerWeek > 0 && tradeCountByWeek[weekKey] >= cfg.MaxTradesPerWeek {
				return
			}

			avgVol := avgVolume(bars, i, 20)
			slip := effectiveSlippage(cfg, bar, avgVol, atr[i])
			entryPrice := bar.Close
			if dir == Long() {
				entryPrice *= (1 + slip)
			} else {
				entryPrice *= (1 - slip)
			}

			capital := orderCapital(dir, cfg, cash, atr[i], bar.Close, recentTrades)
			if capital <= 0 {
				return
			}

			if cfg.ScaleInEnabled && len(cfg.ScaleInLevels) > 0 {
				firstCapital := capital * cfg.ScaleInPortions[0]
				size := firstCapital * cfg.Leverage / entryPrice
				e.mgr.AddEntry(dir, entryPrice, size, firstCapital, i, bar.Time)
				cash -= firstCapital
				var rest []pendingEntryLeg
				for k := 0; k < len(cfg.ScaleInLevels); k++ {
					level := cfg.ScaleInLevels[k]
					portion := cfg.ScaleInPortions[k+1]
					price := entryPrice * (1 - level)
					if dir == Short() {
						price = entryPrice * (1 + level)
					}
					rest = append(rest, pendingEntryLeg{Price: price, Capital: capital * portion, PlacedBar: i, TimeoutBar: i + cfg.LimitEntryTimeoutBars})
				}
				legs[dir] = append(legs[dir], rest...)
				tradeCountByDay[dayKey]++
				tradeCountByWeek[weekKey]++
				return
			}

			switch cfg.EntryOrderType {
			case OrderLimit:
				price := entryPrice * (1 - cfg.LimitEntryOffset)
				if dir == Short() {
					price = entryPrice * (1 + cfg.LimitEntryOffset)
				}
				legs[dir] = append(legs[dir], pendingEntryLeg{Price: price, Capital: capital, PlacedBar: i, TimeoutBar: i + cfg.LimitEntryTimeoutBars})
			case OrderStop:
				price := entryPrice * (1 + cfg.StopEntryOffset)
				if dir == Short() {
					price = entryPrice * (1 - cfg.StopEntryOffset)
				}
				legs[dir] = append(legs[dir], pendingEntryLeg{Price: price, Capital: capital, PlacedBar: i, TimeoutBar: i + cfg.LimitEntryTimeoutBars})
			default:
				size := capital * cfg.Leverage / entryPrice
				e.mgr.AddEntry(dir, entryPrice, size, capital, i, bar.Time)
				cash -= capital
			}
			tradeCountByDay[dayKey]++
			tradeCountByWeek[weekKey]++
		}

		tryEnter(Long(), i < len(sig.LongEntries) && sig.LongEntries[i])
		tryEnter(Short(), i < len(sig.ShortEntries) && sig.ShortEntries[i])

		// 12. Funding accrual.
		if cfg.IncludeFunding && cfg.FundingIntervalHours > 0 && i > 0 {
			intervalSec := cfg.FundingIntervalHours * 3600
			prevBucket := math.Floor(float64(bars[i-1].Time.Unix()) / intervalSec)
			curBucket := math.Floor(float64(bar.Time.Unix()) / intervalSec)
			if curBucket != prevBucket {
				for _, dir := range []pyramid.Direction{Long(), Short()} {
					pos := e.mgr.Position(dir)
					if pos.IsFlat() {
						continue
					}
					notional := pos.TotalSize() * pos.AvgEntryPrice()
					funding := notional * cfg.FundingRate
					if dir == Long() {
						cash -= funding
					} else {
						cash += funding
					}
				}
			}
		}

		// 13. Equity update. cash excludes capital locked in open
		// entries (subtracted at entry, refunded at close), so mark-to-
		// market value adds that capital back alongside unrealized PnL.
		openValue := 0.0
		for _, dir := range []pyramid.Direction{Long(), Short()} {
			pos := e.mgr.Position(dir)
			if pos.IsFlat() {
				continue
			}
			for _, ent := range pos.Entries {
				openValue += ent.Capital
				if dir == Short() {
					openValue += (ent.Price - bar.Close) * ent.Size
				} else {
					openValue += (bar.Close - ent.Price) * ent.Size
				}
			}
		}
		equity = append(equity, EquityPoint{Time: bar.Time, Equity: cash + openValue})
	}

	// End of data: force-close remaining positions at last close.
	last := bars[len(bars)-1]
	for _, dir := range []pyramid.Direction{Long(), Short()} {
		slices := e.mgr.ClosePosition(dir, last.Close)
		for _, s := range slices {
			closeDir(dir, len(bars)-1, s, ExitEndOfData)
		}
	}
	// Final point: cash after every position has been closed.
	equity = append(equity, EquityPoint{Time: last.Time, Equity: cash})

	return Result{IsValid: true, Trades: trades, Equity: equity}
}

func Long() pyramid.Direction  { return pyramid.Long }
func Short() pyramid.Direction { return pyramid.Short }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func directionalReturn(dir pyramid.Direction, avg, price float64) float64 {
	if avg == 0 {
		return 0
	}
	if dir == pyramid.Short {
		return (avg - price) / avg
	}
	return (price - avg) / avg
}

func slPriceFor(dir pyramid.Direction, avg, atr float64, cfg Config) float64 {
	switch cfg.SLMode {
	case SLATR:
		price := pyramid.GetATRSLPrice(dir, avg, atr, cfg.ATRSLMultiplier)
		if cfg.SLMaxLimitEnabled {
			fixed := pyramid.GetSLPrice(dir, avg, cfg.StopLoss)
			if dir == pyramid.Long && price < fixed {
				price = fixed
			}
			if dir == pyramid.Short && price > fixed {
				price = fixed
			}
		}
		return price
	default:
		return pyramid.GetSLPrice(dir, avg, cfg.StopLoss)
	}
}

func tpPriceFor(dir pyramid.Direction, avg, atr float64, cfg Config) float64 {
	switch cfg.TPMode {
	case ModeATR:
		return pyramid.GetATRTPPrice(dir, avg, atr, cfg.ATRTPMultiplier)
	default:
		return pyramid.GetTPPrice(dir, avg, cfg.TakeProfit)
	}
}

// orderCapital computes entry capital per cfg.PositionSizingMode,
// §4.10 step 11.
func orderCapital(dir pyramid.Direction, cfg Config, cash, atr, price float64, recent []TradeRecord) float64 {
	clampCash := func(v float64) float64 {
		return clamp(v, cfg.MinPositionSize*cash, cfg.MaxPositionSize*cash)
	}
	switch cfg.PositionSizingMode {
	case SizeRisk:
		if cfg.StopLoss <= 0 || cfg.Leverage <= 0 {
			return 0
		}
		v := (cash * cfg.RiskPerTrade) / (cfg.StopLoss * cfg.Leverage)
		return clampCash(v)
	case SizeKelly:
		if len(recent) < 10 {
			return 0
		}
		window := recent
		if len(window) > 20 {
			window = window[len(window)-20:]
		}
		wins, losses := 0, 0
		var winSum, lossSum float64
		for _, t := range window {
			if t.PnL >= 0 {
				wins++
				winSum += t.PnL
			} else {
				losses++
				lossSum += -t.PnL
			}
		}
		if wins == 0 || losses == 0 {
			return 0
		}
		winRate := float64(wins) / float64(len(window))
		avgWin := winSum / float64(wins)
		avgLoss := lossSum / float64(losses)
		if avgLoss == 0 {
			return 0
		}
		ratio := avgWin / avgLoss
		kelly := winRate - (1-winRate)/ratio
		size := clamp(kelly*cfg.KellyFraction, 0, cfg.MaxPositionSize)
		return size * cash
	case SizeVolatility:
		if price == 0 || atr == 0 {
			return cfg.PositionSize * cash
		}
		v := cash * cfg.PositionSize * cfg.VolatilityTarget / (atr / price)
		return clampCash(v)
	default:
		if cfg.UseFixedAmount {
			return cfg.FixedAmount
		}
		return cfg.PositionSize * cash
	}
}
