package web3

import (
	"context"
	"math/big"

	xerrors "BountyMesh/internal/errors"
)

// ErrWriterDisabled 表示未配置管理员签名或注册合约，无法执行链上写入。补齐配置前重试无意义。
var ErrWriterDisabled = xerrors.New(xerrors.CodeInitializationFailure, "链上写入未启用", xerrors.WithRetryable(false))

// TxStatus 描述一笔交易的最终状态。
type TxStatus struct {
	Hash        string
	From        string
	To          string
	Value       *big.Int
	BlockNumber uint64
	Failed      bool
}

// Reader 提供对账所需的只读能力。
type Reader interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	RecentTransactions(ctx context.Context, address string, limit int) ([]TxStatus, error)
	ProgramAccounts(ctx context.Context) ([]string, error)
}

// VerificationWriter 将信誉验证结果写入外部账本，返回交易哈希。
type VerificationWriter interface {
	WriteVerification(ctx context.Context, agentAddress string, score int, specialties string) (string, error)
}

// WriteCapability 由能够判断自身写入能力的客户端实现。
type WriteCapability interface {
	CanWrite() bool
}

// Writable 判断写入端是否已具备链上写入能力。未实现 WriteCapability 的写入端视为可写。
func Writable(w VerificationWriter) bool {
	if w == nil {
		return false
	}
	if c, ok := w.(WriteCapability); ok {
		return c.CanWrite()
	}
	return true
}

// Ledger 是外部账本的完整能力集合。
type Ledger interface {
	Reader
	VerificationWriter
	Close()
}
