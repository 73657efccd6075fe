package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type             string `yaml:"type"`
	RPCURL           string `yaml:"rpc_url"`
	ChainID          int64  `yaml:"chain_id"`
	RegistryContract string `yaml:"registry_contract"`
	Confirmations    uint64 `yaml:"confirmations"`
	Description      string `yaml:"description"`
}

// Validate 检查链定义的必填项。
func (d ChainDefinition) Validate(name string) error {
	if strings.TrimSpace(d.RPCURL) == "" {
		return fmt.Errorf("链 %s 缺少 rpc_url", name)
	}
	if d.ChainID < 0 {
		return fmt.Errorf("链 %s 的 chain_id 非法", name)
	}
	return nil
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if err := def.Validate(name); err != nil {
			return ChainDefinitions{}, err
		}
	}
	return defs, nil
}
