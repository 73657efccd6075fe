package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/internal/events"
	"BountyMesh/internal/observability/alerting"
	"BountyMesh/internal/signal"
	"BountyMesh/internal/web3"
	"BountyMesh/pkg/logger"
)

// Config 描述对账目标。
type Config struct {
	TreasuryAddress string
	// Agents 为 agentID 到钱包地址的映射。
	Agents         map[string]string
	LedgerPath     string
	UnlockIdentity string
	TxScanLimit    int
	// CallTimeout 限制单次链上读取的耗时。
	CallTimeout time.Duration
}

// Report 汇总一轮对账。
type Report struct {
	Entries      int
	NewAnomalies int
	Anomalies    int
	Escrows      int
	Released     int
	EscrowLocked *big.Int
	// ReadFailures 为本轮失败的链上读取次数，非零时信号保持锁定。
	ReadFailures int
	Unlocked     bool
	Duration     time.Duration
}

// Reconciler 周期性核对链上余额。
type Reconciler struct {
	reader    web3.Reader
	sink      signal.Sink
	publisher events.Publisher
	alerts    alerting.Dispatcher
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	ledger   *Ledger
	modTime  time.Time
	unlocked *bool
	log      *slog.Logger
}

// Option 配置 Reconciler。
type Option func(*Reconciler)

// WithSignalSink 设置解锁信号的发布目标。
func WithSignalSink(sink signal.Sink) Option {
	return func(r *Reconciler) { r.sink = sink }
}

// WithPublisher 设置领域事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(r *Reconciler) {
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(r *Reconciler) { r.alerts = alerts }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建对账器并加载已有账本。
func New(reader web3.Reader, cfg Config, opts ...Option) (*Reconciler, error) {
	if reader == nil {
		return nil, errors.New("对账器缺少账本读取器")
	}
	if cfg.TreasuryAddress == "" {
		return nil, errors.New("未配置金库地址")
	}
	if cfg.LedgerPath == "" {
		return nil, errors.New("未配置对账账本路径")
	}
	if cfg.UnlockIdentity == "" {
		cfg.UnlockIdentity = "fund-reconciler"
	}
	if cfg.TxScanLimit <= 0 {
		cfg.TxScanLimit = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	r := &Reconciler{
		reader:    reader,
		publisher: events.Nop{},
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Named("reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.reload(true); err != nil {
		return nil, err
	}
	return r, nil
}

// reload 在账本文件被外部修改后重新加载，例如命令行确认了异常。
func (r *Reconciler) reload(force bool) error {
	info, err := os.Stat(r.cfg.LedgerPath)
	if errors.Is(err, fs.ErrNotExist) {
		if r.ledger == nil {
			r.ledger = NewLedger(r.now(), r.cfg.TreasuryAddress)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取对账账本状态失败: %w", err)
	}
	if !force && info.ModTime().Equal(r.modTime) {
		return nil
	}
	ledger, err := LoadLedger(r.cfg.LedgerPath)
	if err != nil {
		return err
	}
	if ledger.Treasury.Address == "" {
		ledger.Treasury.Address = r.cfg.TreasuryAddress
	}
	r.ledger = ledger
	r.modTime = info.ModTime()
	return nil
}

func (r *Reconciler) persist() error {
	if err := r.mergeAcknowledged(); err != nil {
		return err
	}
	if err := SaveLedger(r.cfg.LedgerPath, r.ledger); err != nil {
		return err
	}
	if info, err := os.Stat(r.cfg.LedgerPath); err == nil {
		r.modTime = info.ModTime()
	}
	return nil
}

// mergeAcknowledged 在写回前合并磁盘上已确认的异常，避免覆盖周期进行中由命令行写入的确认。
func (r *Reconciler) mergeAcknowledged() error {
	if _, err := os.Stat(r.cfg.LedgerPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	disk, err := LoadLedger(r.cfg.LedgerPath)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(r.ledger.Acknowledged))
	for _, ack := range r.ledger.Acknowledged {
		known[ack.Reference] = true
	}
	cleared := make(map[string]bool)
	for _, ack := range disk.Acknowledged {
		if known[ack.Reference] {
			continue
		}
		r.ledger.Acknowledged = append(r.ledger.Acknowledged, ack)
		known[ack.Reference] = true
		cleared[ack.Reference] = true
	}
	if len(cleared) == 0 {
		return nil
	}
	open := r.ledger.Anomalies[:0]
	for _, anomaly := range r.ledger.Anomalies {
		if !cleared[anomaly.Reference] {
			open = append(open, anomaly)
		}
	}
	r.ledger.Anomalies = open
	r.log.Info("合并外部确认的异常", slog.Int("count", len(cleared)))
	return nil
}

// RunCycle 执行一轮对账。单个账户读取失败只会跳过该账户，但任何读取或持久化失败都会使解锁信号保持锁定。
func (r *Reconciler) RunCycle(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	report, readErrs, err := r.runLocked(ctx)
	report.Duration = r.now().Sub(start)
	report.ReadFailures = len(readErrs)
	if err == nil && len(readErrs) > 0 {
		report.Anomalies = len(r.ledger.Anomalies)
		err = xerrors.Wrap(xerrors.CodeExternalService, errors.Join(readErrs...),
			fmt.Sprintf("%d 次链上读取失败", len(readErrs)),
			xerrors.WithSeverity(xerrors.SeverityCritical))
	}
	if err != nil {
		r.log.Error("对账周期失败", slog.Any("error", err))
		r.publishSignal(ctx, false, "reconciliation failed: "+err.Error())
		return report, err
	}

	report.Anomalies = len(r.ledger.Anomalies)
	report.Unlocked = report.Anomalies == 0
	reason := "no outstanding anomalies"
	if !report.Unlocked {
		reason = fmt.Sprintf("%d outstanding anomalies", report.Anomalies)
	}
	r.publishSignal(ctx, report.Unlocked, reason)

	r.log.Info("对账周期完成",
		slog.Int("entries", report.Entries),
		slog.Int("new_anomalies", report.NewAnomalies),
		slog.Int("anomalies", report.Anomalies),
		slog.Int("escrows", report.Escrows),
		slog.String("escrow_locked", report.EscrowLocked.String()),
		slog.Bool("unlocked", report.Unlocked))
	return report, nil
}

func (r *Reconciler) runLocked(ctx context.Context) (Report, []error, error) {
	report := Report{EscrowLocked: new(big.Int)}
	if err := r.reload(false); err != nil {
		return report, nil, err
	}
	now := r.now().UTC()
	l := r.ledger

	var readErrs []error
	fail := func(err error, account string) {
		readErrs = append(readErrs, err)
		r.log.Warn("链上读取失败，跳过", slog.String("account", account), slog.Any("error", err))
	}

	if balance, err := r.balanceAt(ctx, r.cfg.TreasuryAddress, "读取金库余额失败"); err != nil {
		fail(err, r.cfg.TreasuryAddress)
	} else if entry, ok := observe(&l.Treasury, balance, now); ok {
		report.Entries++
		switch entry.Kind {
		case KindInflow:
			l.Totals.Inflow.Add(l.Totals.Inflow, entry.Delta)
		case KindOutflow:
			l.Totals.Outflow.Add(l.Totals.Outflow, new(big.Int).Neg(entry.Delta))
		}
	}

	agentIDs := make([]string, 0, len(r.cfg.Agents))
	for id := range r.cfg.Agents {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	for _, id := range agentIDs {
		address := r.cfg.Agents[id]
		balance, err := r.balanceAt(ctx, address, "读取智能体余额失败")
		if err != nil {
			fail(err, address)
			continue
		}
		record, ok := l.Agents[id]
		if !ok {
			record = &AccountRecord{Address: address, History: []LedgerEntry{}}
			l.Agents[id] = record
		}
		record.Address = address
		if entry, ok := observe(record, balance, now); ok {
			report.Entries++
			if entry.Kind == KindInflow {
				l.Totals.AgentEarnings.Add(l.Totals.AgentEarnings, entry.Delta)
			}
		}
	}

	for _, address := range r.escrowAddresses(ctx, fail) {
		balance, err := r.balanceAt(ctx, address, "读取托管账户余额失败")
		if err != nil {
			fail(err, address)
			continue
		}
		if r.trackEscrow(address, balance, now) {
			report.Released++
		}
	}
	locked := new(big.Int)
	for _, escrow := range l.Escrows {
		if escrow.Balance != nil {
			locked.Add(locked, escrow.Balance)
		}
	}
	l.Totals.EscrowLocked = locked
	report.Escrows = len(l.Escrows)
	report.EscrowLocked = new(big.Int).Set(locked)

	var recorded []Anomaly
	txs, err := r.recentTransactions(ctx)
	if err != nil {
		fail(err, r.cfg.TreasuryAddress)
	}
	for _, tx := range txs {
		if !tx.Failed || l.hasReference(tx.Hash) {
			continue
		}
		anomaly := Anomaly{
			Timestamp: now,
			Type:      AnomalyFailedTransaction,
			Reference: tx.Hash,
			Detail:    fmt.Sprintf("block %d from %s to %s", tx.BlockNumber, tx.From, tx.To),
		}
		l.Anomalies = append(l.Anomalies, anomaly)
		recorded = append(recorded, anomaly)
	}
	report.NewAnomalies = len(recorded)

	l.LastScan = now
	if err := r.persist(); err != nil {
		return report, readErrs, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对账账本失败")
	}

	for _, anomaly := range recorded {
		r.reportAnomaly(ctx, anomaly)
	}
	return report, readErrs, nil
}

// escrowAddresses 合并链上发现的托管账户与账本中已知的托管账户。发现失败时退回已知集合。
func (r *Reconciler) escrowAddresses(ctx context.Context, fail func(error, string)) []string {
	seen := make(map[string]bool, len(r.ledger.Escrows))
	var addresses []string
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	accounts, err := r.reader.ProgramAccounts(callCtx)
	cancel()
	if err != nil {
		fail(readError(err, "发现托管账户失败"), "program")
	}
	for _, address := range accounts {
		if !seen[address] {
			seen[address] = true
			addresses = append(addresses, address)
		}
	}
	known := make([]string, 0, len(r.ledger.Escrows))
	for address := range r.ledger.Escrows {
		if !seen[address] {
			known = append(known, address)
		}
	}
	sort.Strings(known)
	return append(addresses, known...)
}

func (r *Reconciler) balanceAt(ctx context.Context, address, msg string) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	balance, err := r.reader.BalanceAt(callCtx, address)
	if err != nil {
		return nil, readError(err, msg, xerrors.WithMetadata("account", address))
	}
	return balance, nil
}

func (r *Reconciler) recentTransactions(ctx context.Context) ([]web3.TxStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	txs, err := r.reader.RecentTransactions(callCtx, r.cfg.TreasuryAddress, r.cfg.TxScanLimit)
	if err != nil {
		return nil, readError(err, "扫描金库交易失败")
	}
	return txs, nil
}

// readError 将超时映射为 CodeTimeout，其余读取失败映射为 CodeExternalService。
func readError(err error, msg string, opts ...xerrors.Option) error {
	code := xerrors.CodeExternalService
	if errors.Is(err, context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
	}
	return xerrors.Wrap(code, err, msg, opts...)
}

// observe 比较新旧余额。首次观测只记录基线，不产生流水。
func observe(record *AccountRecord, balance *big.Int, now time.Time) (LedgerEntry, bool) {
	if balance == nil {
		balance = new(big.Int)
	}
	if record.Balance == nil {
		record.Balance = new(big.Int).Set(balance)
		return LedgerEntry{}, false
	}
	if record.Balance.Cmp(balance) == 0 {
		return LedgerEntry{}, false
	}
	delta := new(big.Int).Sub(balance, record.Balance)
	kind := KindInflow
	if delta.Sign() < 0 {
		kind = KindOutflow
	}
	entry := LedgerEntry{
		Timestamp: now,
		Account:   record.Address,
		Previous:  new(big.Int).Set(record.Balance),
		Current:   new(big.Int).Set(balance),
		Delta:     delta,
		Kind:      kind,
	}
	record.History = append(record.History, entry)
	record.Balance = new(big.Int).Set(balance)
	return entry, true
}

// trackEscrow 更新托管账户状态，余额由非零变为零时返回 true。
func (r *Reconciler) trackEscrow(address string, balance *big.Int, now time.Time) bool {
	if balance == nil {
		balance = new(big.Int)
	}
	escrow, ok := r.ledger.Escrows[address]
	if !ok {
		status := EscrowEmpty
		if balance.Sign() != 0 {
			status = EscrowLocked
		}
		r.ledger.Escrows[address] = &EscrowRecord{
			Address:   address,
			Balance:   new(big.Int).Set(balance),
			Status:    status,
			FirstSeen: now,
			UpdatedAt: now,
		}
		return false
	}

	released := false
	switch {
	case escrow.Balance != nil && escrow.Balance.Sign() != 0 && balance.Sign() == 0:
		escrow.Status = EscrowReleased
		released = true
		r.log.Info("托管账户已释放", slog.String("escrow", address))
	case balance.Sign() != 0:
		escrow.Status = EscrowLocked
	}
	if escrow.Balance == nil || escrow.Balance.Cmp(balance) != 0 {
		escrow.UpdatedAt = now
	}
	escrow.Balance = new(big.Int).Set(balance)
	return released
}

func (r *Reconciler) reportAnomaly(ctx context.Context, anomaly Anomaly) {
	err := xerrors.New(xerrors.CodeAnomaly, "failed treasury transaction",
		xerrors.WithMetadata("reference", anomaly.Reference),
		xerrors.WithMetadata("type", anomaly.Type))
	r.log.Error("发现对账异常",
		slog.String("type", anomaly.Type),
		slog.String("reference", anomaly.Reference))
	logger.Audit().Warn("reconcile_anomaly",
		slog.String("type", anomaly.Type),
		slog.String("reference", anomaly.Reference),
		slog.String("detail", anomaly.Detail))

	if r.alerts != nil {
		if notifyErr := r.alerts.Notify(ctx, alerting.FromError(err, r.cfg.TreasuryAddress)); notifyErr != nil {
			r.log.Warn("告警发送失败", slog.Any("error", notifyErr))
		}
	}
	event := events.New(events.AnomalyRecorded, anomaly.Reference, map[string]string{
		"type":   anomaly.Type,
		"detail": anomaly.Detail,
	})
	if pubErr := r.publisher.Publish(ctx, event); pubErr != nil {
		r.log.Warn("发布领域事件失败", slog.Any("error", pubErr))
	}
}

func (r *Reconciler) publishSignal(ctx context.Context, unlocked bool, reason string) {
	if r.sink != nil {
		if err := r.sink.Publish(ctx, signal.State{
			Identity:  r.cfg.UnlockIdentity,
			Unlocked:  unlocked,
			Reason:    reason,
			UpdatedAt: r.now().UTC(),
		}); err != nil {
			r.log.Error("发布解锁信号失败", slog.Any("error", err))
		}
	}
	if r.unlocked != nil && *r.unlocked == unlocked {
		return
	}
	r.unlocked = &unlocked
	event := events.New(events.GateChanged, r.cfg.UnlockIdentity, map[string]string{
		"unlocked": strconv.FormatBool(unlocked),
		"reason":   reason,
		"source":   "reconciler",
	})
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.log.Warn("发布领域事件失败", slog.Any("error", err))
	}
}

// Snapshot 返回账本的深拷贝。
func (r *Reconciler) Snapshot() Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Clone()
}

// ClearAnomalies 由运维人员显式确认所有未处理异常。对账循环本身从不调用它。
// 解锁信号在下一轮对账时恢复。
func (r *Reconciler) ClearAnomalies(ctx context.Context, operator, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reload(false); err != nil {
		return 0, err
	}
	n, err := r.ledger.ClearAnomalies(operator, reason, r.now())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeValidation, err, "确认异常参数非法")
	}
	if err := r.persist(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对账账本失败")
	}
	logger.Audit().Info("reconcile_anomalies_acknowledged",
		slog.String("operator", operator),
		slog.String("reason", reason),
		slog.Int("count", n))
	return n, nil
}
