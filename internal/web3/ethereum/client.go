package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"BountyMesh/internal/web3"
	"BountyMesh/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RegistryABI 是信誉注册合约的最小 ABI。
const RegistryABI = `[
  {"type":"function","name":"recordVerification","stateMutability":"nonpayable",
   "inputs":[{"name":"agent","type":"address"},{"name":"score","type":"uint8"},{"name":"specialties","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"escrowAccounts","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"address[]"}]}
]`

// Config describes how to construct an EVM compatible ledger client.
type Config struct {
	Name             string
	RPCURL           string
	RegistryContract string
	// AdminKeyHex 为空时客户端只读。
	AdminKeyHex   string
	ScanDepth     int
	Confirmations uint64
	PollInterval  time.Duration
}

// chainReader mirrors the subset of ethclient used for reads and receipt polling.
type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// registryContract mirrors bind.BoundContract.
type registryContract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*coretypes.Transaction, error)
}

// Client implements web3.Ledger for EVM compatible chains.
type Client struct {
	name          string
	reader        chainReader
	registry      registryContract
	auth          *bind.TransactOpts
	chainID       *big.Int
	scanDepth     int
	confirmations uint64
	pollInterval  time.Duration
	closer        func()

	// 链上写入串行化，避免 nonce 冲突。
	writeMu sync.Mutex
	mu      sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	var (
		registry registryContract
		auth     *bind.TransactOpts
	)
	if addr := strings.TrimSpace(cfg.RegistryContract); addr != "" {
		if !common.IsHexAddress(addr) {
			eth.Close()
			return nil, fmt.Errorf("注册合约地址非法: %s", addr)
		}
		parsed, err := abi.JSON(strings.NewReader(RegistryABI))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("解析 ABI 失败: %w", err)
		}
		registry = bind.NewBoundContract(common.HexToAddress(addr), parsed, eth, eth, eth)
	}
	if keyHex := strings.TrimSpace(cfg.AdminKeyHex); keyHex != "" {
		auth, err = newTransactor(keyHex, chainID)
		if err != nil {
			eth.Close()
			return nil, err
		}
	}

	client := newClient(cfg, eth, registry, auth)
	client.chainID = chainID
	client.closer = eth.Close
	return client, nil
}

func newTransactor(keyHex string, chainID *big.Int) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析管理员私钥失败: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	return auth, nil
}

func newClient(cfg Config, reader chainReader, registry registryContract, auth *bind.TransactOpts) *Client {
	depth := cfg.ScanDepth
	if depth <= 0 {
		depth = 64
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		name:          cfg.Name,
		reader:        reader,
		registry:      registry,
		auth:          auth,
		scanDepth:     depth,
		confirmations: cfg.Confirmations,
		pollInterval:  poll,
	}
}

// Name returns the chain name from the definitions file.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// BalanceAt returns the latest balance of the given address.
func (c *Client) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	balance, err := c.reader.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// RecentTransactions scans the latest blocks, newest first, for transactions
// sent from or to the address and reports their receipt status.
func (c *Client) RecentTransactions(ctx context.Context, address string, limit int) ([]web3.TxStatus, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	head, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	signer := coretypes.LatestSignerForChainID(chainID)

	result := make([]web3.TxStatus, 0, limit)
	for depth := 0; depth < c.scanDepth && uint64(depth) <= head; depth++ {
		number := head - uint64(depth)
		block, err := c.reader.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, fmt.Errorf("获取区块 %d 失败: %w", number, err)
		}
		for _, tx := range block.Transactions() {
			from, err := coretypes.Sender(signer, tx)
			if err != nil {
				continue
			}
			to := tx.To()
			if from != addr && (to == nil || *to != addr) {
				continue
			}
			receipt, err := c.reader.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				return nil, fmt.Errorf("获取交易回执失败: %w", err)
			}
			status := web3.TxStatus{
				Hash:        tx.Hash().Hex(),
				From:        from.Hex(),
				Value:       tx.Value(),
				BlockNumber: number,
				Failed:      receipt.Status == coretypes.ReceiptStatusFailed,
			}
			if to != nil {
				status.To = to.Hex()
			}
			result = append(result, status)
			if len(result) >= limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// ProgramAccounts lists escrow accounts registered in the registry contract.
func (c *Client) ProgramAccounts(ctx context.Context) ([]string, error) {
	if c.registry == nil {
		return nil, nil
	}
	var out []any
	if err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "escrowAccounts"); err != nil {
		return nil, fmt.Errorf("查询托管账户失败: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("托管账户返回值类型异常: %T", out[0])
	}
	accounts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		accounts = append(accounts, addr.Hex())
	}
	return accounts, nil
}

// CanWrite reports whether both the registry contract and the admin signer are configured.
func (c *Client) CanWrite() bool {
	return c.registry != nil && c.auth != nil
}

// WriteVerification signs and submits recordVerification, then polls for the
// receipt until the transaction is mined with the required confirmations.
func (c *Client) WriteVerification(ctx context.Context, agentAddress string, score int, specialties string) (string, error) {
	if !c.CanWrite() {
		return "", web3.ErrWriterDisabled
	}
	addr, err := parseAddress(agentAddress)
	if err != nil {
		return "", err
	}
	if score < 0 || score > 100 {
		return "", fmt.Errorf("信誉分超出范围: %d", score)
	}

	c.writeMu.Lock()
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.registry.Transact(&opts, "recordVerification", addr, uint8(score), specialties)
	c.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("提交验证交易失败: %w", err)
	}

	hash := tx.Hash()
	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return hash.Hex(), err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return hash.Hex(), fmt.Errorf("验证交易执行失败: %s", hash.Hex())
	}
	logger.L().Info("信誉验证已写入链上",
		slog.String("chain", c.name),
		slog.String("agent", addr.Hex()),
		slog.String("tx", hash.Hex()),
		slog.Uint64("block", receipt.BlockNumber.Uint64()))
	return hash.Hex(), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.reader.TransactionReceipt(ctx, hash)
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		if err == nil && receipt != nil && c.confirmed(ctx, receipt) {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易确认超时: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *coretypes.Receipt) bool {
	if c.confirmations == 0 || receipt.BlockNumber == nil {
		return true
	}
	head, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return false
	}
	return head >= receipt.BlockNumber.Uint64()+c.confirmations
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.reader.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("地址格式非法: %q", address)
	}
	return common.HexToAddress(address), nil
}

var _ web3.Ledger = (*Client)(nil)
