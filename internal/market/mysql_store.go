package market

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "BountyMesh/internal/errors"
	"BountyMesh/pkg/logger"
)

const (
	taskColumns = `id, title, description, bounty, poster_id, status, assignee_id, funding_source,
        funding_community_id, escrow_id, escrow_locked, settlement, bids, created_at, updated_at`
	agentColumns = `id, name, wallet, content_ref, tasks_completed, total_earned, reputation_score,
        verified, specialties, verified_at, community_id, created_at, updated_at`
	communityColumns = `id, name, admin_id, members, treasury_balance, revenue_share_bps, is_active, created_at, updated_at`

	selectTaskSQL      = `SELECT ` + taskColumns + ` FROM tasks`
	selectAgentSQL     = `SELECT ` + agentColumns + ` FROM agents`
	selectCommunitySQL = `SELECT ` + communityColumns + ` FROM communities`

	upsertTaskSQL = `INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE title = VALUES(title), description = VALUES(description), status = VALUES(status),
        assignee_id = VALUES(assignee_id), escrow_locked = VALUES(escrow_locked), settlement = VALUES(settlement),
        bids = VALUES(bids), updated_at = VALUES(updated_at)`
	upsertAgentSQL = `INSERT INTO agents (` + agentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), content_ref = VALUES(content_ref),
        tasks_completed = VALUES(tasks_completed), total_earned = VALUES(total_earned),
        reputation_score = VALUES(reputation_score), verified = VALUES(verified), specialties = VALUES(specialties),
        verified_at = VALUES(verified_at), community_id = VALUES(community_id), updated_at = VALUES(updated_at)`
	upsertCommunitySQL = `INSERT INTO communities (` + communityColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), admin_id = VALUES(admin_id), members = VALUES(members),
        treasury_balance = VALUES(treasury_balance), revenue_share_bps = VALUES(revenue_share_bps),
        is_active = VALUES(is_active), updated_at = VALUES(updated_at)`
)

// MySQLStore 使用 MySQL 持久化市场记录。事务内的读取使用 SELECT ... FOR UPDATE 加行锁。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已完成迁移的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// WithTx 实现 Store 接口。
func (s *MySQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &mysqlTx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !stdErrors.Is(rbErr, sql.ErrTxDone) {
			logger.L().Error("事务回滚失败", slog.Any("error", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

type mysqlTx struct {
	q queryer
}

func (tx *mysqlTx) Task(ctx context.Context, id string) (*Task, error) {
	return queryTask(ctx, tx.q, id, true)
}

func (tx *mysqlTx) PutTask(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return validationError("任务 ID 不能为空")
	}
	settlement, err := marshalNullable(task.Escrow.Settlement, task.Escrow.Settlement == nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码结算记录失败")
	}
	bids, err := marshalNullable(task.Bids, len(task.Bids) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码报价失败")
	}
	_, err = tx.q.ExecContext(ctx, upsertTaskSQL,
		task.ID,
		task.Title,
		task.Description,
		task.Bounty,
		task.PosterID,
		string(task.Status),
		task.AssigneeID,
		string(task.Funding.Source),
		task.Funding.CommunityID,
		task.Escrow.ID,
		task.Escrow.Locked,
		settlement,
		bids,
		task.CreatedAt,
		task.UpdatedAt,
	)
	return wrapWriteError(err, "写入任务失败")
}

func (tx *mysqlTx) Agent(ctx context.Context, id string) (*Agent, error) {
	return queryAgent(ctx, tx.q, id, true)
}

func (tx *mysqlTx) PutAgent(ctx context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return validationError("智能体 ID 不能为空")
	}
	_, err := tx.q.ExecContext(ctx, upsertAgentSQL,
		agent.ID,
		agent.Name,
		agent.Wallet,
		agent.ContentRef,
		agent.TasksCompleted,
		agent.TotalEarned,
		agent.ReputationScore,
		agent.Verified,
		agent.Specialties,
		agent.VerifiedAt,
		agent.CommunityID,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	return wrapWriteError(err, "写入智能体失败")
}

func (tx *mysqlTx) Community(ctx context.Context, id string) (*Community, error) {
	return queryCommunity(ctx, tx.q, id, true)
}

func (tx *mysqlTx) PutCommunity(ctx context.Context, community *Community) error {
	if community == nil || strings.TrimSpace(community.ID) == "" {
		return validationError("社区 ID 不能为空")
	}
	members, err := json.Marshal(community.Members)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码社区成员失败")
	}
	_, err = tx.q.ExecContext(ctx, upsertCommunitySQL,
		community.ID,
		community.Name,
		community.AdminID,
		string(members),
		community.TreasuryBalance,
		community.RevenueShareBps,
		community.IsActive,
		community.CreatedAt,
		community.UpdatedAt,
	)
	return wrapWriteError(err, "写入社区失败")
}

// GetTask 查询指定任务。
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return queryTask(ctx, s.db, id, false)
}

// ListTasks 返回符合过滤条件的任务。
func (s *MySQLStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := selectTaskSQL
	clause, args := buildTaskFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// GetAgent 查询指定智能体。
func (s *MySQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return queryAgent(ctx, s.db, id, false)
}

// ListAgents 按注册时间返回智能体。
func (s *MySQLStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := selectAgentSQL
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.Verified != nil {
		conditions = append(conditions, "verified = ?")
		args = append(args, *filter.Verified)
	}
	if filter.CommunityID != "" {
		conditions = append(conditions, "community_id = ?")
		args = append(args, filter.CommunityID)
	}
	if filter.PendingVerification {
		conditions = append(conditions, "verified = 0 AND content_ref <> ''")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

// GetCommunity 查询指定社区。
func (s *MySQLStore) GetCommunity(ctx context.Context, id string) (*Community, error) {
	return queryCommunity(ctx, s.db, id, false)
}

// ListCommunities 按创建时间返回社区。
func (s *MySQLStore) ListCommunities(ctx context.Context, limit int) ([]*Community, error) {
	query := selectCommunitySQL + " ORDER BY created_at ASC, id ASC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询社区列表失败")
	}
	defer rows.Close()

	var communities []*Community
	for rows.Next() {
		community, err := scanCommunity(rows)
		if err != nil {
			return nil, err
		}
		communities = append(communities, community)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历社区失败")
	}
	return communities, nil
}

// Stats 汇总当前的计数与锁定金额。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	stats := newStats()

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN verified = 1 THEN 1 ELSE 0 END), 0) FROM agents`,
	).Scan(&stats.Agents, &stats.VerifiedAgents); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计智能体失败")
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(treasury_balance), 0) FROM communities`,
	).Scan(&stats.Communities, &stats.TreasuryTotal); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计社区失败")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(escrow_locked), 0) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		var locked int64
		if err := rows.Scan(&status, &count, &locked); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.Tasks += count
		stats.TasksByStatus[Status(status)] += count
		stats.EscrowLocked += locked
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func queryTask(ctx context.Context, q queryer, id string, forUpdate bool) (*Task, error) {
	query := selectTaskSQL + " WHERE id = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	task, err := scanTask(q.QueryRowContext(ctx, query, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func queryAgent(ctx context.Context, q queryer, id string, forUpdate bool) (*Agent, error) {
	query := selectAgentSQL + " WHERE id = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	agent, err := scanAgent(q.QueryRowContext(ctx, query, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

func queryCommunity(ctx context.Context, q queryer, id string, forUpdate bool) (*Community, error) {
	query := selectCommunitySQL + " WHERE id = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	community, err := scanCommunity(q.QueryRowContext(ctx, query, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommunityNotFound
	}
	return community, err
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status, source string
	var settlement, bids sql.NullString
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Bounty,
		&task.PosterID,
		&status,
		&task.AssigneeID,
		&source,
		&task.Funding.CommunityID,
		&task.Escrow.ID,
		&task.Escrow.Locked,
		&settlement,
		&bids,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	task.Status = Status(status)
	task.Funding.Source = FundingSource(source)
	task.Escrow.Bounty = task.Bounty
	if settlement.Valid && strings.TrimSpace(settlement.String) != "" {
		var s Settlement
		if err := json.Unmarshal([]byte(settlement.String), &s); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算记录失败")
		}
		task.Escrow.Settlement = &s
	}
	if bids.Valid && strings.TrimSpace(bids.String) != "" {
		if err := json.Unmarshal([]byte(bids.String), &task.Bids); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析报价失败")
		}
	}
	return &task, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Wallet,
		&agent.ContentRef,
		&agent.TasksCompleted,
		&agent.TotalEarned,
		&agent.ReputationScore,
		&agent.Verified,
		&agent.Specialties,
		&agent.VerifiedAt,
		&agent.CommunityID,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
	}
	return &agent, nil
}

func scanCommunity(row rowScanner) (*Community, error) {
	var community Community
	var members string
	if err := row.Scan(
		&community.ID,
		&community.Name,
		&community.AdminID,
		&members,
		&community.TreasuryBalance,
		&community.RevenueShareBps,
		&community.IsActive,
		&community.CreatedAt,
		&community.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析社区记录失败")
	}
	if strings.TrimSpace(members) != "" {
		if err := json.Unmarshal([]byte(members), &community.Members); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析社区成员失败")
		}
	}
	return &community, nil
}

func buildTaskFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.PosterID != "" {
		conditions = append(conditions, "poster_id = ?")
		args = append(args, opts.PosterID)
	}
	if opts.AssigneeID != "" {
		conditions = append(conditions, "assignee_id = ?")
		args = append(args, opts.AssigneeID)
	}
	if opts.CommunityID != "" {
		conditions = append(conditions, "funding_community_id = ?")
		args = append(args, opts.CommunityID)
	}
	if len(conditions) == 0 {
		return "", args
	}
	return strings.Join(conditions, " AND "), args
}

func marshalNullable(value any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func wrapWriteError(err error, message string) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return xerrors.Wrap(xerrors.CodeStateConflict, err, "记录已存在")
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

var _ Store = (*MySQLStore)(nil)
