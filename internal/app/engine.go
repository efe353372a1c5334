package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"trades-risk/internal/config"
	"trades-risk/internal/exit"
	"trades-risk/internal/indicator"
	"trades-risk/internal/leverage"
	"trades-risk/internal/monitor"
	"trades-risk/internal/position"
	"trades-risk/internal/sizing"
	"trades-risk/internal/tuner"
)

// CloseAttachFailed 为出场管理器挂载失败时撤销持仓的平仓原因。
const CloseAttachFailed = "attach_failed"

// ErrInvalidFinalState 表示平仓结果中的 ROI 非有限值。
var ErrInvalidFinalState = errors.New("app: 平仓 ROI 非法")

// VolatilitySource 提供 ATR 与已实现波动率。
type VolatilitySource interface {
	ATRROI(ctx context.Context, symbol string) (float64, error)
	Snapshot(ctx context.Context, symbol string) (indicator.Volatility, error)
}

// Refresher 为可热刷新的配置源。
type Refresher interface {
	Refresh() (bool, error)
}

// NewPosition 为交易循环提交的新开仓请求。
type NewPosition struct {
	ID            string
	Symbol        string
	Strategy      string
	Regime        string
	Direction     position.Direction
	EntryPrice    float64
	RequestedSize float64
	Signal        leverage.Signal
	Futures       bool
}

// PositionPlan 为开仓时确定的仓位、杠杆、止损与出场参数。
type PositionPlan struct {
	Position position.Position
	Sizing   sizing.Decision
	Leverage leverage.Decision
	Exit     exit.Params
}

// EngineDeps 汇总 Engine 的依赖。
type EngineDeps struct {
	Config     config.Source
	Refresher  Refresher
	Sizer      *sizing.Sizer
	Governor   *leverage.Governor
	Positions  position.Store
	Wallet     leverage.WalletSource
	Volatility VolatilitySource
	Adapter    *exit.Adapter
	Tuner      *tuner.Tuner
	Recorder   monitor.Recorder
	Logger     *zap.Logger
}

// Engine 对交易循环暴露开仓、tick 与平仓三个入口，并调度巡检与调优任务。
type Engine struct {
	cfg        config.Source
	refresher  Refresher
	sizer      *sizing.Sizer
	governor   *leverage.Governor
	positions  position.Store
	wallet     leverage.WalletSource
	volatility VolatilitySource
	adapter    *exit.Adapter
	tuner      *tuner.Tuner
	recorder   monitor.Recorder
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewEngine 创建 Engine。
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Config == nil || deps.Sizer == nil || deps.Governor == nil || deps.Positions == nil || deps.Adapter == nil {
		return nil, fmt.Errorf("app: 引擎依赖不完整")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        deps.Config,
		refresher:  deps.Refresher,
		sizer:      deps.Sizer,
		governor:   deps.Governor,
		positions:  deps.Positions,
		wallet:     deps.Wallet,
		volatility: deps.Volatility,
		adapter:    deps.Adapter,
		tuner:      deps.Tuner,
		recorder:   deps.Recorder,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// OnNewPosition 依次完成钱包读取、凯利仓位、杠杆选择、止损计算、持仓落库与出场管理器挂载。
func (e *Engine) OnNewPosition(ctx context.Context, req NewPosition) (PositionPlan, error) {
	var plan PositionPlan

	if req.Symbol == "" {
		return plan, fmt.Errorf("app: 交易对不能为空")
	}
	if req.Direction != position.Long && req.Direction != position.Short {
		return plan, fmt.Errorf("app: 未知方向 %q", req.Direction)
	}
	if !finite(req.EntryPrice) || req.EntryPrice <= 0 {
		return plan, fmt.Errorf("app: 入场价非法 %v", req.EntryPrice)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if e.wallet == nil {
		return plan, fmt.Errorf("app: 未配置钱包数据源")
	}

	wallet, err := e.wallet.WalletBalance(ctx)
	if err != nil {
		return plan, fmt.Errorf("app: 获取钱包余额失败: %w", err)
	}

	vol := 0.0
	if e.volatility != nil {
		if snap, verr := e.volatility.Snapshot(ctx, req.Symbol); verr != nil {
			e.logger.Warn("获取波动率失败，按中性权重计算", zap.String("symbol", req.Symbol), zap.Error(verr))
		} else {
			vol = snap.Realized
		}
	}

	margin := 0.0
	lev := 1.0
	if req.Futures {
		requested := req.Signal.RequestedLeverage
		if requested < 1 {
			requested = 1
		}
		plan.Sizing, err = e.sizer.SizeFutures(ctx, sizing.FuturesRequest{
			Symbol:     req.Symbol,
			Strategy:   req.Strategy,
			Regime:     req.Regime,
			Bankroll:   wallet,
			CurrentVol: vol,
			Leverage:   requested,
		})
		if err != nil {
			return plan, err
		}
		margin = capRequested(plan.Sizing.Margin, req.RequestedSize)

		sig := req.Signal
		sig.Symbol = req.Symbol
		sig.RequestedSize = margin
		plan.Leverage = e.governor.ChooseLeverage(sig, wallet, e.sizer.Outcomes().Expectancy())
		lev = plan.Leverage.Leverage
	} else {
		plan.Sizing, err = e.sizer.SizeSpot(ctx, sizing.SpotRequest{Symbol: req.Symbol, Bankroll: wallet, CurrentVol: vol})
		if err != nil {
			return plan, err
		}
		margin = capRequested(plan.Sizing.Final, req.RequestedSize)
		plan.Leverage = leverage.Decision{Leverage: 1, Ladder: 1, CapitalCap: 1, HardCap: 1, Reason: "spot"}
	}
	if margin <= 0 {
		return plan, fmt.Errorf("app: %s 仓位为零", req.Symbol)
	}

	stop, err := e.governor.ComputeStopLoss(req.EntryPrice, wallet, margin*lev, lev, req.Direction)
	if err != nil {
		return plan, fmt.Errorf("app: 计算止损失败: %w", err)
	}

	opened, err := e.positions.Open(ctx, position.Position{
		ID:         req.ID,
		Symbol:     req.Symbol,
		Strategy:   req.Strategy,
		Direction:  req.Direction,
		EntryPrice: req.EntryPrice,
		Size:       margin,
		Leverage:   lev,
		StopLoss:   stop,
		Regime:     req.Regime,
		OpenedAt:   e.now().UTC(),
	})
	if err != nil {
		return plan, fmt.Errorf("app: 保存持仓失败: %w", err)
	}
	plan.Position = opened

	plan.Exit, err = e.adapter.Attach(ctx, opened.ID, opened.Symbol, opened.Regime, opened.OpenedAt)
	if err != nil {
		e.abandon(ctx, opened, err)
		return plan, err
	}

	e.logger.Info("新开仓已登记",
		zap.String("position_id", opened.ID),
		zap.String("symbol", opened.Symbol),
		zap.String("strategy", opened.Strategy),
		zap.String("direction", string(opened.Direction)),
		zap.Float64("wallet", wallet),
		zap.Float64("margin", margin),
		zap.Float64("leverage", lev),
		zap.Float64("stop_loss", stop),
	)
	return plan, nil
}

// OnTick 将 tick 交给出场管理器。atrROI 非正时由波动率数据源补齐。
func (e *Engine) OnTick(ctx context.Context, id string, roi, atrROI, minutesOpen, sizeRemaining float64) (exit.Decision, error) {
	mgr, err := e.adapter.Manager(id)
	if err != nil {
		return exit.Decision{Action: exit.ActionHold}, err
	}

	if (!finite(atrROI) || atrROI <= 0) && e.volatility != nil {
		v, verr := e.volatility.ATRROI(ctx, mgr.Symbol())
		if verr != nil {
			e.logger.Warn("获取 ATR 失败", zap.String("position_id", id), zap.String("symbol", mgr.Symbol()), zap.Error(verr))
		} else {
			atrROI = v
		}
	}

	d, err := e.adapter.Update(ctx, id, exit.Tick{ROI: roi, ATRROI: atrROI, MinutesOpen: minutesOpen, SizeRemaining: sizeRemaining})
	if err != nil {
		return d, err
	}

	if (d.Action == exit.ActionTP1 || d.Action == exit.ActionTP2) && finite(sizeRemaining) && sizeRemaining > 0 {
		next := math.Max(sizeRemaining-d.SizeFraction, 0)
		if serr := e.positions.SetRemaining(ctx, id, next); serr != nil {
			e.logger.Warn("更新剩余仓位失败", zap.String("position_id", id), zap.Error(serr))
		}
	}
	return d, nil
}

// OnClose 登记平仓结果、注销出场管理器并更新凯利样本窗口。
// 同一持仓的重复通知只登记一次样本。
func (e *Engine) OnClose(ctx context.Context, id string, fs exit.FinalState) error {
	if !finite(fs.ROI) {
		return fmt.Errorf("%w: %s roi=%v", ErrInvalidFinalState, id, fs.ROI)
	}

	closedNow := false
	pos, err := e.positions.Get(ctx, id)
	switch {
	case errors.Is(err, position.ErrNotFound):
	case err != nil:
		return fmt.Errorf("app: 读取持仓失败: %w", err)
	case pos.Status == position.StatusOpen:
		price := pos.EntryPrice * (1 + fs.ROI)
		if pos.Direction == position.Short {
			price = pos.EntryPrice * (1 - fs.ROI)
		}
		rec := position.CloseRecord{
			Price:       price,
			RealizedPnL: fs.ROI * pos.Notional(),
			Reason:      fs.Reason,
			ClosedAt:    e.now().UTC(),
		}
		merr := e.positions.MarkClosed(ctx, id, rec)
		switch {
		case merr == nil:
			closedNow = true
		case !errors.Is(merr, position.ErrAlreadyClosed):
			return fmt.Errorf("app: 登记平仓失败: %w", merr)
		}
	}

	adapterErr := e.adapter.OnClose(ctx, id, fs)
	if adapterErr != nil && !errors.Is(adapterErr, exit.ErrUnknownPosition) {
		return adapterErr
	}
	detached := adapterErr == nil

	if !closedNow && !detached {
		if errors.Is(err, position.ErrNotFound) {
			return adapterErr
		}
		e.logger.Info("平仓已登记过，忽略重复通知",
			zap.String("position_id", id),
			zap.String("reason", fs.Reason),
		)
		return nil
	}

	e.sizer.Outcomes().Add(fs.ROI)
	e.logger.Info("平仓已登记",
		zap.String("position_id", id),
		zap.Float64("roi", fs.ROI),
		zap.String("reason", fs.Reason),
		zap.Float64("expectancy", e.sizer.Outcomes().Expectancy()),
	)
	return nil
}

// Recover 用最近平仓记录回填凯利窗口，并为未平仓持仓重新挂载出场管理器。
func (e *Engine) Recover(ctx context.Context) error {
	limit := e.cfg.Current().Kelly.WindowSize
	closed, err := e.positions.RecentClosed(ctx, limit)
	if err != nil {
		return fmt.Errorf("app: 读取历史平仓失败: %w", err)
	}
	rois := make([]float64, 0, len(closed))
	for _, p := range closed {
		rois = append(rois, p.RealizedROI())
	}
	e.sizer.Outcomes().Seed(rois)

	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("app: 读取持仓失败: %w", err)
	}
	attached := 0
	for _, p := range open {
		if _, err := e.adapter.Attach(ctx, p.ID, p.Symbol, p.Regime, p.OpenedAt); err != nil {
			if errors.Is(err, exit.ErrAlreadyAttached) {
				continue
			}
			e.logger.Warn("重新挂载出场管理器失败", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		attached++
	}

	e.logger.Info("引擎状态已恢复",
		zap.Int("outcomes", len(rois)),
		zap.Int("open_positions", len(open)),
		zap.Int("attached", attached),
	)
	return nil
}

// Start 注册巡检与调优定时任务。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("app: 引擎已启动")
	}

	sched := e.cfg.Current().Scheduler
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(sched.GovernorSpec, func() { e.RunGovernor(ctx) }); err != nil {
		return fmt.Errorf("app: 注册巡检任务失败: %w", err)
	}
	if e.tuner != nil {
		if _, err := c.AddFunc(sched.TunerSpec, func() { e.RunTuner(ctx) }); err != nil {
			return fmt.Errorf("app: 注册调优任务失败: %w", err)
		}
	}
	c.Start()

	e.cron = c
	e.running = true
	e.logger.Info("定时任务已启动",
		zap.String("governor_spec", sched.GovernorSpec),
		zap.String("tuner_spec", sched.TunerSpec),
	)
	return nil
}

// Stop 停止定时任务并等待运行中的任务结束。
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.running = false
	e.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	e.logger.Info("定时任务已停止")
}

// RunGovernor 刷新配置后执行一次杠杆巡检，并同步被强平持仓的出场状态。
func (e *Engine) RunGovernor(ctx context.Context) {
	if e.refresher != nil {
		if _, err := e.refresher.Refresh(); err != nil {
			e.logger.Warn("刷新配置失败，沿用旧配置", zap.Error(err))
		}
	}

	report, err := e.governor.Scan(ctx)
	if err != nil {
		e.logger.Error("杠杆巡检失败", zap.Error(err))
		monitor.Emit(ctx, e.recorder, e.logger, monitor.Event{
			Type:     monitor.EventError,
			Severity: monitor.SeverityHigh,
			Payload:  monitor.ErrorPayload{Message: "governor scan failed", Error: err.Error()},
		})
	}

	sharpe, sortino, samples := e.sizer.Performance().Ratios()
	e.logger.Debug("权益表现",
		zap.Float64("sharpe", sharpe),
		zap.Float64("sortino", sortino),
		zap.Int("samples", samples),
	)

	for _, fc := range report.Closed {
		roi := 0.0
		minutesOpen := 0.0
		if pos, gerr := e.positions.Get(ctx, fc.PositionID); gerr == nil {
			roi = pos.RealizedROI()
			if pos.ClosedAt != nil {
				minutesOpen = pos.ClosedAt.Sub(pos.OpenedAt).Minutes()
			}
		}
		if cerr := e.OnClose(ctx, fc.PositionID, exit.FinalState{ROI: roi, MinutesOpen: minutesOpen, Reason: fc.Reason}); cerr != nil {
			e.logger.Warn("同步强平结果失败", zap.String("position_id", fc.PositionID), zap.Error(cerr))
		}
	}
}

// RunTuner 以配置的回看窗口执行一次出场参数调优。
func (e *Engine) RunTuner(ctx context.Context) {
	if e.tuner == nil {
		return
	}
	if _, err := e.tuner.RunLookback(ctx); err != nil {
		e.logger.Error("出场参数调优失败", zap.Error(err))
		monitor.Emit(ctx, e.recorder, e.logger, monitor.Event{
			Type:     monitor.EventError,
			Severity: monitor.SeverityWarn,
			Payload:  monitor.ErrorPayload{Message: "exit tuner failed", Error: err.Error()},
		})
	}
}

// abandon 在出场管理器挂载失败时以入场价撤销刚落库的持仓。
func (e *Engine) abandon(ctx context.Context, pos position.Position, cause error) {
	rec := position.CloseRecord{
		Price:    pos.EntryPrice,
		Reason:   CloseAttachFailed,
		ClosedAt: e.now().UTC(),
	}
	if err := e.positions.MarkClosed(ctx, pos.ID, rec); err != nil {
		e.logger.Error("撤销未挂载持仓失败", zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	e.logger.Warn("出场管理器挂载失败，持仓已撤销",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Error(cause),
	)
}

func capRequested(computed, requested float64) float64 {
	if finite(requested) && requested > 0 && requested < computed {
		return requested
	}
	return computed
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
