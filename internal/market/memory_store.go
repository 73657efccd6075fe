package market

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 以内存方式保存市场记录，事务通过互斥锁串行执行。
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	agents      map[string]*Agent
	communities map[string]*Community
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		agents:      make(map[string]*Agent),
		communities: make(map[string]*Community),
	}
}

// WithTx 实现 Store 接口。fn 中的写入先暂存，成功返回后一次性生效。
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:       m,
		tasks:       make(map[string]*Task),
		agents:      make(map[string]*Agent),
		communities: make(map[string]*Community),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, task := range tx.tasks {
		m.tasks[id] = task
	}
	for id, agent := range tx.agents {
		m.agents[id] = agent
	}
	for id, community := range tx.communities {
		m.communities[id] = community
	}
	return nil
}

type memoryTx struct {
	store       *MemoryStore
	tasks       map[string]*Task
	agents      map[string]*Agent
	communities map[string]*Community
}

func (tx *memoryTx) Task(_ context.Context, id string) (*Task, error) {
	if task, ok := tx.tasks[id]; ok {
		return cloneTask(task), nil
	}
	if task, ok := tx.store.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

func (tx *memoryTx) PutTask(_ context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return validationError("任务 ID 不能为空")
	}
	tx.tasks[task.ID] = cloneTask(task)
	return nil
}

func (tx *memoryTx) Agent(_ context.Context, id string) (*Agent, error) {
	if agent, ok := tx.agents[id]; ok {
		return cloneAgent(agent), nil
	}
	if agent, ok := tx.store.agents[id]; ok {
		return cloneAgent(agent), nil
	}
	return nil, ErrAgentNotFound
}

func (tx *memoryTx) PutAgent(_ context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return validationError("智能体 ID 不能为空")
	}
	tx.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (tx *memoryTx) Community(_ context.Context, id string) (*Community, error) {
	if community, ok := tx.communities[id]; ok {
		return cloneCommunity(community), nil
	}
	if community, ok := tx.store.communities[id]; ok {
		return cloneCommunity(community), nil
	}
	return nil, ErrCommunityNotFound
}

func (tx *memoryTx) PutCommunity(_ context.Context, community *Community) error {
	if community == nil || strings.TrimSpace(community.ID) == "" {
		return validationError("社区 ID 不能为空")
	}
	tx.communities[community.ID] = cloneCommunity(community)
	return nil
}

// GetTask 返回任务副本。
func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListTasks 返回符合过滤条件的任务。
func (m *MemoryStore) ListTasks(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !opts.matches(task) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// GetAgent 返回智能体副本。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

// ListAgents 按注册时间返回智能体。
func (m *MemoryStore) ListAgents(_ context.Context, filter AgentFilter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if filter.matches(agent) {
			results = append(results, cloneAgent(agent))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// GetCommunity 返回社区副本。
func (m *MemoryStore) GetCommunity(_ context.Context, id string) (*Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	community, ok := m.communities[id]
	if !ok {
		return nil, ErrCommunityNotFound
	}
	return cloneCommunity(community), nil
}

// ListCommunities 按创建时间返回社区。
func (m *MemoryStore) ListCommunities(_ context.Context, limit int) ([]*Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Community, 0, len(m.communities))
	for _, community := range m.communities {
		results = append(results, cloneCommunity(community))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats 汇总当前的计数与锁定金额。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := newStats()
	for _, agent := range m.agents {
		stats.Agents++
		if agent.Verified {
			stats.VerifiedAgents++
		}
	}
	for _, task := range m.tasks {
		stats.Tasks++
		stats.TasksByStatus[task.Status]++
		stats.EscrowLocked += task.Escrow.Locked
	}
	for _, community := range m.communities {
		stats.Communities++
		stats.TreasuryTotal += community.TreasuryBalance
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
