package exit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPolicyYAML 读取 YAML 格式的出场策略文件。
func LoadPolicyYAML(path string) (PolicySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicySet{}, fmt.Errorf("exit: 读取策略文件失败: %w", err)
	}

	var set PolicySet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return PolicySet{}, fmt.Errorf("exit: 解析策略文件失败: %w", err)
	}
	return set, nil
}

// WritePolicyYAML 将出场策略写为 YAML 文件。
func WritePolicyYAML(path string, set PolicySet) error {
	raw, err := yaml.Marshal(set)
	if err != nil {
		return fmt.Errorf("exit: 序列化策略失败: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("exit: 写入策略文件失败: %w", err)
	}
	return nil
}
