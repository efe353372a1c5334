package exit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-risk/internal/metrics"
	"trades-risk/internal/monitor"
)

var (
	// ErrAlreadyAttached 表示该持仓已有出场状态机。
	ErrAlreadyAttached = errors.New("exit: 持仓已挂载出场管理器")
	// ErrUnknownPosition 表示持仓未挂载。
	ErrUnknownPosition = errors.New("exit: 未知持仓")
)

// Adapter 维护持仓到出场状态机的映射，每个持仓至多一个实例。
type Adapter struct {
	policies PolicyStore
	sink     EventSink
	recorder monitor.Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewAdapter 创建 Adapter。
func NewAdapter(policies PolicyStore, sink EventSink, recorder monitor.Recorder, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		policies: policies,
		sink:     sink,
		recorder: recorder,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// Attach 按当前策略快照为持仓创建出场状态机。
func (a *Adapter) Attach(ctx context.Context, id, symbol, regime string, openedAt time.Time) (Params, error) {
	if id == "" {
		return Params{}, fmt.Errorf("exit: 持仓 ID 不能为空")
	}

	a.mu.Lock()
	_, exists := a.managers[id]
	a.mu.Unlock()
	if exists {
		return Params{}, fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}

	set, err := a.policies.Snapshot(ctx)
	if err != nil {
		return Params{}, fmt.Errorf("exit: 读取出场策略失败: %w", err)
	}
	params := resolveValid(set, symbol, regime, a.logger.With(
		zap.String("position_id", id),
		zap.String("symbol", symbol),
		zap.String("regime", regime),
	))

	mgr := NewManager(id, symbol, regime, params, openedAt, a.sink, a.logger)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.managers[id]; exists {
		return Params{}, fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	a.managers[id] = mgr
	metrics.SetActiveManagers(len(a.managers))

	a.logger.Info("挂载出场管理器",
		zap.String("position_id", id),
		zap.String("symbol", symbol),
		zap.String("regime", regime),
		zap.Float64("tp1_roi", params.TP1ROI),
		zap.Float64("tp2_roi", params.TP2ROI),
		zap.Float64("stop_loss_roi", params.StopLossROI),
	)
	return params, nil
}

// Update 将 tick 路由到对应状态机。
func (a *Adapter) Update(ctx context.Context, id string, t Tick) (Decision, error) {
	mgr, err := a.lookup(id)
	if err != nil {
		return Decision{Action: ActionHold}, err
	}

	d := mgr.Update(ctx, t)
	if d.Action != ActionHold {
		metrics.IncExitDecision(string(d.Action))
		monitor.Emit(ctx, a.recorder, a.logger, monitor.Event{
			Type:   monitor.EventExitDecision,
			Symbol: mgr.symbol,
			Payload: monitor.ExitDecisionPayload{
				PositionID:   id,
				Regime:       mgr.regime,
				Action:       string(d.Action),
				SizeFraction: d.SizeFraction,
				ROI:          t.ROI,
				Reason:       d.Reason,
			},
		})
	}
	return d, nil
}

// OnClose 记录平仓事件并注销状态机。
func (a *Adapter) OnClose(ctx context.Context, id string, fs FinalState) error {
	a.mu.Lock()
	mgr, ok := a.managers[id]
	if ok {
		delete(a.managers, id)
		metrics.SetActiveManagers(len(a.managers))
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}

	mgr.Close(ctx, fs)
	a.logger.Info("注销出场管理器",
		zap.String("position_id", id),
		zap.Float64("roi", fs.ROI),
		zap.String("reason", fs.Reason),
	)
	return nil
}

// Manager 返回持仓对应的状态机。
func (a *Adapter) Manager(id string) (*Manager, error) {
	return a.lookup(id)
}

// Active 返回已挂载的持仓 ID，按字典序。
func (a *Adapter) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.managers))
	for id := range a.managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Adapter) lookup(id string) (*Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mgr, ok := a.managers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	return mgr, nil
}

// resolveValid 解析参数，组合后非法时先退回交易对层参数，仍非法再退回全局默认值。
func resolveValid(set PolicySet, symbol, regime string, logger *zap.Logger) Params {
	params := set.Resolve(symbol, regime)
	err := params.Validate()
	if err == nil {
		return params
	}

	if regime != "" {
		symbolLevel := set.Resolve(symbol, "")
		if serr := symbolLevel.Validate(); serr == nil {
			logger.Warn("市场状态覆盖导致参数非法，回落到交易对参数", zap.Error(err))
			return symbolLevel
		}
	}
	logger.Warn("出场参数非法，回落到默认值", zap.Error(err))
	return set.Defaults
}
