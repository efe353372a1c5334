package sizing

import (
	"math"
	"sync"
	"time"
)

// maxRatio 为下行波动为零时 Sortino 的上限。
const maxRatio = 10.0

// OutcomeWindow 保存最近若干笔已平仓交易的 ROI，用于估计胜率与盈亏比。
type OutcomeWindow struct {
	mu         sync.Mutex
	size       int
	minSamples int
	defaultP   float64
	defaultB   float64
	rois       []float64
}

// NewOutcomeWindow 创建交易结果窗口。
func NewOutcomeWindow(size, minSamples int, defaultP, defaultB float64) *OutcomeWindow {
	if size <= 0 {
		size = 50
	}
	return &OutcomeWindow{
		size:       size,
		minSamples: minSamples,
		defaultP:   defaultP,
		defaultB:   defaultB,
		rois:       make([]float64, 0, size),
	}
}

// Add 追加一笔交易 ROI，超出窗口时丢弃最旧记录。
func (w *OutcomeWindow) Add(roi float64) {
	if !finite(roi) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rois = append(w.rois, roi)
	if len(w.rois) > w.size {
		w.rois = w.rois[len(w.rois)-w.size:]
	}
}

// Seed 用历史 ROI 初始化窗口，按时间升序传入。
func (w *OutcomeWindow) Seed(rois []float64) {
	for _, roi := range rois {
		w.Add(roi)
	}
}

// Len 返回样本数。
func (w *OutcomeWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rois)
}

// Stats 返回胜率 p 与盈亏比 b；样本不足时返回默认值。
func (w *OutcomeWindow) Stats() (p, b float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.rois) < w.minSamples {
		return w.defaultP, w.defaultB
	}

	var (
		wins, losses    int
		winSum, lossSum float64
	)
	for _, roi := range w.rois {
		if roi > 0 {
			wins++
			winSum += roi
			continue
		}
		losses++
		lossSum += -roi
	}

	p = float64(wins) / float64(len(w.rois))
	if wins == 0 {
		return p, 0
	}
	if losses == 0 || lossSum == 0 {
		return p, w.defaultB
	}
	avgWin := winSum / float64(wins)
	avgLoss := lossSum / float64(losses)
	return p, avgWin / avgLoss
}

// Expectancy 返回窗口内平均 ROI，空窗口返回 0。
func (w *OutcomeWindow) Expectancy() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.rois) == 0 {
		return 0
	}
	sum := 0.0
	for _, roi := range w.rois {
		sum += roi
	}
	return sum / float64(len(w.rois))
}

// PerformanceWindow 以小时为桶记录权益变化，计算 Sharpe 与 Sortino。
type PerformanceWindow struct {
	mu     sync.Mutex
	size   int
	hour   time.Time
	equity float64

	prevClose float64
	hasPrev   bool
	deltas    []float64
}

// NewPerformanceWindow 创建小时盈亏窗口。
func NewPerformanceWindow(size int) *PerformanceWindow {
	if size <= 0 {
		size = 168
	}
	return &PerformanceWindow{size: size, deltas: make([]float64, 0, size)}
}

// Observe 记录某一时刻的账户权益。同一小时内以最后一次观测为收盘值，
// 进入新的小时后将上一小时的收盘变化写入窗口；乱序观测被忽略。
func (w *PerformanceWindow) Observe(ts time.Time, equity float64) {
	if !finite(equity) {
		return
	}
	h := ts.UTC().Truncate(time.Hour)

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.hour.IsZero():
		w.hour = h
		w.equity = equity
	case h.Equal(w.hour):
		w.equity = equity
	case h.After(w.hour):
		if w.hasPrev {
			w.push(w.equity - w.prevClose)
		}
		w.prevClose = w.equity
		w.hasPrev = true
		w.hour = h
		w.equity = equity
	}
}

// Add 直接追加一个小时盈亏增量。
func (w *PerformanceWindow) Add(delta float64) {
	if !finite(delta) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(delta)
}

func (w *PerformanceWindow) push(delta float64) {
	w.deltas = append(w.deltas, delta)
	if len(w.deltas) > w.size {
		w.deltas = w.deltas[len(w.deltas)-w.size:]
	}
}

// Ratios 返回日化 Sharpe、日化 Sortino 与样本数；样本少于 2 时比率为 0。
func (w *PerformanceWindow) Ratios() (sharpe, sortino float64, samples int) {
	w.mu.Lock()
	deltas := append([]float64(nil), w.deltas...)
	w.mu.Unlock()

	return computeSharpe(deltas), computeSortino(deltas), len(deltas)
}

// 每个样本为1小时，换算为日度：sqrt(24)
var dailyFactor = math.Sqrt(24)

func computeSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := average(returns)

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return (mean / std) * dailyFactor
}

func computeSortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := average(returns)

	downside := 0.0
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	downside = math.Sqrt(downside / float64(len(returns)))
	if downside == 0 {
		if mean > 0 {
			return maxRatio
		}
		return 0
	}
	return math.Min(maxRatio, (mean/downside)*dailyFactor)
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
