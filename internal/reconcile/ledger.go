package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// EntryKind 区分资金流向。
type EntryKind string

const (
	KindInflow  EntryKind = "inflow"
	KindOutflow EntryKind = "outflow"
)

// EscrowStatus 描述托管账户的状态。
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowEmpty    EscrowStatus = "empty"
	EscrowReleased EscrowStatus = "released"
)

// AnomalyFailedTransaction 是失败交易对应的异常类型。
const AnomalyFailedTransaction = "failed_transaction"

// LedgerEntry 记录一次余额变化。
type LedgerEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Account   string    `json:"account"`
	Previous  *big.Int  `json:"previous"`
	Current   *big.Int  `json:"current"`
	Delta     *big.Int  `json:"delta"`
	Kind      EntryKind `json:"kind"`
}

// AccountRecord 是被跟踪账户的余额与历史。
type AccountRecord struct {
	Address string        `json:"address"`
	Balance *big.Int      `json:"balance"`
	History []LedgerEntry `json:"history"`
}

// EscrowRecord 是通过外部账本发现的托管账户。
type EscrowRecord struct {
	Address   string       `json:"address"`
	Balance   *big.Int     `json:"balance"`
	Status    EscrowStatus `json:"status"`
	FirstSeen time.Time    `json:"firstSeen"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Anomaly 只追加，按 Reference 去重。
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Reference string    `json:"reference"`
	Detail    string    `json:"detail,omitempty"`
}

// Acknowledgement 是运维人员确认过的异常。
type Acknowledgement struct {
	Anomaly
	Operator       string    `json:"operator"`
	Reason         string    `json:"reason"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
}

// Totals 汇总资金流。
type Totals struct {
	Inflow        *big.Int `json:"inflow"`
	Outflow       *big.Int `json:"outflow"`
	EscrowLocked  *big.Int `json:"escrowLocked"`
	AgentEarnings *big.Int `json:"agentEarnings"`
}

// Ledger 是持久化到磁盘的对账账本。
type Ledger struct {
	Created      time.Time                 `json:"created"`
	LastScan     time.Time                 `json:"lastScan"`
	Treasury     AccountRecord             `json:"treasury"`
	Agents       map[string]*AccountRecord `json:"agents"`
	Escrows      map[string]*EscrowRecord  `json:"escrows"`
	Anomalies    []Anomaly                 `json:"anomalies"`
	Acknowledged []Acknowledgement         `json:"acknowledged"`
	Totals       Totals                    `json:"totals"`
}

// NewLedger 创建空账本。
func NewLedger(created time.Time, treasury string) *Ledger {
	l := &Ledger{Created: created.UTC(), Treasury: AccountRecord{Address: treasury}}
	l.normalize()
	return l
}

func (l *Ledger) normalize() {
	if l.Agents == nil {
		l.Agents = make(map[string]*AccountRecord)
	}
	if l.Escrows == nil {
		l.Escrows = make(map[string]*EscrowRecord)
	}
	if l.Anomalies == nil {
		l.Anomalies = []Anomaly{}
	}
	if l.Acknowledged == nil {
		l.Acknowledged = []Acknowledgement{}
	}
	for _, v := range []**big.Int{&l.Totals.Inflow, &l.Totals.Outflow, &l.Totals.EscrowLocked, &l.Totals.AgentEarnings} {
		if *v == nil {
			*v = new(big.Int)
		}
	}
	if l.Treasury.History == nil {
		l.Treasury.History = []LedgerEntry{}
	}
}

// hasReference 判断异常引用是否已记录或已确认。
func (l *Ledger) hasReference(ref string) bool {
	for _, a := range l.Anomalies {
		if a.Reference == ref {
			return true
		}
	}
	for _, a := range l.Acknowledged {
		if a.Reference == ref {
			return true
		}
	}
	return false
}

// Clone 深拷贝账本。
func (l *Ledger) Clone() Ledger {
	raw, err := json.Marshal(l)
	if err != nil {
		return Ledger{}
	}
	var out Ledger
	if err := json.Unmarshal(raw, &out); err != nil {
		return Ledger{}
	}
	out.normalize()
	return out
}

// LoadLedger 读取账本文件，文件不存在时返回 nil 与 fs.ErrNotExist。
func LoadLedger(path string) (*Ledger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("读取对账账本失败: %w", err)
	}
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("解析对账账本失败: %w", err)
	}
	l.normalize()
	return &l, nil
}

// SaveLedger 先写入同目录临时文件再原子重命名。
func SaveLedger(path string, l *Ledger) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建账本目录失败: %w", err)
	}
	raw, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化对账账本失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("替换账本文件失败: %w", err)
	}
	return nil
}

// ClearAnomalies 将所有未确认异常移入 acknowledged，返回移动的数量。
func (l *Ledger) ClearAnomalies(operator, reason string, at time.Time) (int, error) {
	if operator == "" {
		return 0, errors.New("必须提供操作人")
	}
	if reason == "" {
		return 0, errors.New("必须提供确认原因")
	}
	n := len(l.Anomalies)
	for _, a := range l.Anomalies {
		l.Acknowledged = append(l.Acknowledged, Acknowledgement{
			Anomaly:        a,
			Operator:       operator,
			Reason:         reason,
			AcknowledgedAt: at.UTC(),
		})
	}
	l.Anomalies = []Anomaly{}
	return n, nil
}

// ClearAnomaliesFile 直接在账本文件上确认异常，供命令行在守护进程之外使用。
func ClearAnomaliesFile(path, operator, reason string, at time.Time) (int, error) {
	l, err := LoadLedger(path)
	if err != nil {
		return 0, err
	}
	n, err := l.ClearAnomalies(operator, reason, at)
	if err != nil {
		return 0, err
	}
	if err := SaveLedger(path, l); err != nil {
		return 0, err
	}
	return n, nil
}
