package market

import "context"

// Tx 是一次存储事务内的读写视图。读取的记录在事务期间被独占锁定，
// 返回值均为副本，修改后需通过 Put 写回。
type Tx interface {
	Task(ctx context.Context, id string) (*Task, error)
	PutTask(ctx context.Context, task *Task) error
	Agent(ctx context.Context, id string) (*Agent, error)
	PutAgent(ctx context.Context, agent *Agent) error
	Community(ctx context.Context, id string) (*Community, error)
	PutCommunity(ctx context.Context, community *Community) error
}

// Store 抽象了市场记录的持久化接口。
type Store interface {
	// WithTx 在单个事务中执行 fn，fn 返回错误时全部写入被丢弃。
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	GetCommunity(ctx context.Context, id string) (*Community, error)
	ListCommunities(ctx context.Context, limit int) ([]*Community, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
