package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeChain struct {
	chainID  *big.Int
	head     uint64
	balances map[common.Address]*big.Int
	blocks   map[uint64]*coretypes.Block
	receipts map[common.Hash]*coretypes.Receipt
	// pendingPolls 控制回执在被查询多少次后才可见。
	pendingPolls int
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if balance, ok := f.balances[account]; ok {
		return balance, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) BlockByNumber(_ context.Context, number *big.Int) (*coretypes.Block, error) {
	if block, ok := f.blocks[number.Uint64()]; ok {
		return block, nil
	}
	return coretypes.NewBlockWithHeader(&coretypes.Header{Number: new(big.Int).Set(number)}), nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return nil, gethcore.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

type fakeRegistry struct {
	accounts []common.Address
	tx       *coretypes.Transaction
	calls    []any
	err      error
}

func (f *fakeRegistry) Call(_ *bind.CallOpts, results *[]any, method string, _ ...any) error {
	if method != "escrowAccounts" {
		return errors.New("unexpected method " + method)
	}
	*results = []any{f.accounts}
	return nil
}

func (f *fakeRegistry) Transact(_ *bind.TransactOpts, method string, params ...any) (*coretypes.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	if method != "recordVerification" {
		return nil, errors.New("unexpected method " + method)
	}
	f.calls = append(f.calls, params...)
	return f.tx, nil
}

func signedTransfer(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, to common.Address) *coretypes.Transaction {
	t.Helper()
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1000),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return signed
}

func TestBalanceAt(t *testing.T) {
	treasury := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	chain := &fakeChain{chainID: big.NewInt(1337), balances: map[common.Address]*big.Int{treasury: big.NewInt(5000)}}
	client := newClient(Config{Name: "test"}, chain, nil, nil)

	balance, err := client.BalanceAt(context.Background(), treasury.Hex())
	if err != nil || balance.Int64() != 5000 {
		t.Fatalf("unexpected balance %v err=%v", balance, err)
	}
	if _, err := client.BalanceAt(context.Background(), "not-an-address"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}

func TestRecentTransactionsReportsFailures(t *testing.T) {
	chainID := big.NewInt(1337)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	treasury := crypto.PubkeyToAddress(key.PublicKey)
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	ok := signedTransfer(t, key, chainID, 0, other)
	failed := signedTransfer(t, key, chainID, 1, other)

	chain := &fakeChain{
		chainID: chainID,
		head:    10,
		blocks: map[uint64]*coretypes.Block{
			9:  coretypes.NewBlockWithHeader(&coretypes.Header{Number: big.NewInt(9)}).WithBody(coretypes.Body{Transactions: []*coretypes.Transaction{ok}}),
			10: coretypes.NewBlockWithHeader(&coretypes.Header{Number: big.NewInt(10)}).WithBody(coretypes.Body{Transactions: []*coretypes.Transaction{failed}}),
		},
		receipts: map[common.Hash]*coretypes.Receipt{
			ok.Hash():     {Status: coretypes.ReceiptStatusSuccessful},
			failed.Hash(): {Status: coretypes.ReceiptStatusFailed},
		},
	}
	client := newClient(Config{ScanDepth: 4}, chain, nil, nil)

	txs, err := client.RecentTransactions(context.Background(), treasury.Hex(), 10)
	if err != nil {
		t.Fatalf("recent transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Hash != failed.Hash().Hex() || !txs[0].Failed {
		t.Fatalf("expected newest failed transaction first, got %+v", txs[0])
	}
	if txs[1].Failed || txs[1].BlockNumber != 9 {
		t.Fatalf("unexpected second transaction %+v", txs[1])
	}

	limited, err := client.RecentTransactions(context.Background(), treasury.Hex(), 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d err=%v", len(limited), err)
	}
}

func TestProgramAccounts(t *testing.T) {
	registry := &fakeRegistry{accounts: []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}}
	client := newClient(Config{}, &fakeChain{chainID: big.NewInt(1)}, registry, nil)

	accounts, err := client.ProgramAccounts(context.Background())
	if err != nil {
		t.Fatalf("program accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0] != common.HexToAddress("0x01").Hex() {
		t.Fatalf("unexpected accounts %v", accounts)
	}

	readonly := newClient(Config{}, &fakeChain{chainID: big.NewInt(1)}, nil, nil)
	if accounts, err := readonly.ProgramAccounts(context.Background()); err != nil || accounts != nil {
		t.Fatalf("expected no accounts without registry, got %v err=%v", accounts, err)
	}
}

func TestWriteVerificationWaitsForReceipt(t *testing.T) {
	chainID := big.NewInt(1337)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	agent := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tx := signedTransfer(t, key, chainID, 0, agent)

	chain := &fakeChain{
		chainID:      chainID,
		head:         20,
		pendingPolls: 2,
		receipts: map[common.Hash]*coretypes.Receipt{
			tx.Hash(): {Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(18)},
		},
	}
	registry := &fakeRegistry{tx: tx}
	client := newClient(Config{PollInterval: time.Millisecond, Confirmations: 2}, chain, registry, auth)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hash, err := client.WriteVerification(ctx, agent.Hex(), 85, "go, solidity")
	if err != nil {
		t.Fatalf("write verification: %v", err)
	}
	if hash != tx.Hash().Hex() {
		t.Fatalf("unexpected hash %s", hash)
	}
	if len(registry.calls) != 3 || registry.calls[0] != agent || registry.calls[1] != uint8(85) {
		t.Fatalf("unexpected contract params %v", registry.calls)
	}
}

func TestWriteVerificationFailures(t *testing.T) {
	chainID := big.NewInt(1337)
	key, _ := crypto.GenerateKey()
	auth, _ := bind.NewKeyedTransactorWithChainID(key, chainID)
	agent := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	readonly := newClient(Config{}, &fakeChain{chainID: chainID}, &fakeRegistry{}, nil)
	if readonly.CanWrite() {
		t.Fatalf("client without signer must not report write capability")
	}
	if !newClient(Config{}, &fakeChain{chainID: chainID}, &fakeRegistry{}, auth).CanWrite() {
		t.Fatalf("client with signer and registry should be writable")
	}
	if _, err := readonly.WriteVerification(context.Background(), agent.Hex(), 50, ""); !errors.Is(err, web3.ErrWriterDisabled) {
		t.Fatalf("expected writer disabled, got %v", err)
	} else if xerrors.RetryableError(err) {
		t.Fatalf("disabled writer must not be retried")
	}

	rejected := newClient(Config{}, &fakeChain{chainID: chainID}, &fakeRegistry{err: errors.New("nonce too low")}, auth)
	if _, err := rejected.WriteVerification(context.Background(), agent.Hex(), 50, ""); err == nil {
		t.Fatalf("expected transact error")
	}

	tx := signedTransfer(t, key, chainID, 0, agent)
	reverted := newClient(Config{PollInterval: time.Millisecond}, &fakeChain{
		chainID:  chainID,
		receipts: map[common.Hash]*coretypes.Receipt{tx.Hash(): {Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}},
	}, &fakeRegistry{tx: tx}, auth)
	if _, err := reverted.WriteVerification(context.Background(), agent.Hex(), 50, ""); err == nil {
		t.Fatalf("expected reverted transaction to fail")
	}

	if _, err := rejected.WriteVerification(context.Background(), agent.Hex(), 101, ""); err == nil {
		t.Fatalf("expected out of range score to fail")
	}
}
