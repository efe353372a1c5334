package backtest

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"trades-risk/internal/exit"
)

// SlicePathProvider 以固定序列提供路径。
type SlicePathProvider struct {
	paths []Path
	index int
}

func NewSlicePathProvider(paths []Path) *SlicePathProvider {
	return &SlicePathProvider{paths: paths}
}

func (p *SlicePathProvider) Next(ctx context.Context) (Path, bool, error) {
	if err := ctx.Err(); err != nil {
		return Path{}, false, err
	}
	if p.index >= len(p.paths) {
		return Path{}, false, nil
	}
	path := p.paths[p.index]
	p.index++
	return path, true, nil
}

type pathFile struct {
	Paths []struct {
		ID     string `yaml:"id"`
		Symbol string `yaml:"symbol"`
		Regime string `yaml:"regime"`
		Ticks  []struct {
			ROI         float64 `yaml:"roi"`
			ATRROI      float64 `yaml:"atr_roi"`
			MinutesOpen float64 `yaml:"minutes"`
		} `yaml:"ticks"`
	} `yaml:"paths"`
}

// LoadPathsYAML 读取 YAML 格式的回放路径。
func LoadPathsYAML(path string) ([]Path, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backtest: 读取路径文件失败: %w", err)
	}
	var file pathFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("backtest: 解析路径文件失败: %w", err)
	}

	out := make([]Path, 0, len(file.Paths))
	for i, p := range file.Paths {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("path-%d", i+1)
		}
		ticks := make([]exit.Tick, 0, len(p.Ticks))
		for _, t := range p.Ticks {
			ticks = append(ticks, exit.Tick{ROI: t.ROI, ATRROI: t.ATRROI, MinutesOpen: t.MinutesOpen})
		}
		out = append(out, Path{ID: id, Symbol: p.Symbol, Regime: p.Regime, Ticks: ticks})
	}
	return out, nil
}
