package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"BountyMesh/internal/config"
	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/web3"
	"BountyMesh/internal/web3/ethereum"
)

// Factory 根据链定义创建账本客户端，测试中可替换。
type Factory func(ctx context.Context, cfg ethereum.Config) (web3.Ledger, error)

// Registry manages a set of ledger clients keyed by chain name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Ledger
}

// Option 配置 Registry 的构造过程。
type Option func(*options)

type options struct {
	factory Factory
	getenv  func(string) string
}

// WithFactory 替换客户端构造函数。
func WithFactory(factory Factory) Option {
	return func(o *options) {
		if factory != nil {
			o.factory = factory
		}
	}
}

// WithEnv 替换环境变量读取函数。
func WithEnv(getenv func(string) string) Option {
	return func(o *options) {
		if getenv != nil {
			o.getenv = getenv
		}
	}
}

func defaultFactory(ctx context.Context, cfg ethereum.Config) (web3.Ledger, error) {
	return ethereum.NewClient(ctx, cfg)
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	o := options{factory: defaultFactory, getenv: os.Getenv}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	adminKey := ""
	if cfg.AdminKeyEnv != "" {
		adminKey = strings.TrimSpace(o.getenv(cfg.AdminKeyEnv))
	}

	clients := make(map[string]web3.Ledger)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}
	for name, chain := range defs.Chains {
		switch strings.ToLower(strings.TrimSpace(chain.Type)) {
		case "", "evm", "ethereum":
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		registryContract := chain.RegistryContract
		if registryContract == "" {
			registryContract = cfg.RegistryContract
		}
		client, err := o.factory(ctx, ethereum.Config{
			Name:             name,
			RPCURL:           chain.RPCURL,
			RegistryContract: registryContract,
			AdminKeyHex:      adminKey,
			ScanDepth:        cfg.TxScanDepth,
			Confirmations:    chain.Confirmations,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点", xerrors.WithRetryable(false))
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// Default returns the ledger configured as default chain.
func (r *Registry) Default() (web3.Ledger, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Ledger returns the ledger identified by chain name.
func (r *Registry) Ledger(name string) (web3.Ledger, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
