package market

// Role 是社区成员的角色。
type Role string

const (
	RolePending     Role = "pending"
	RoleMember      Role = "member"
	RoleContributor Role = "contributor"
	RoleAdmin       Role = "admin"
)

// MaxRevenueShareBps 是社区分成上限（万分比）。
const MaxRevenueShareBps = 5000

// Active 判断角色是否已经通过审批。
func (r Role) Active() bool {
	switch r {
	case RoleMember, RoleContributor, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanFund 判断角色能否动用金库资助任务。
func (r Role) CanFund() bool {
	return r == RoleAdmin || r == RoleContributor
}

// Member 是社区成员记录，按 AgentID 唯一。
type Member struct {
	AgentID        string `json:"agent_id"`
	Role           Role   `json:"role"`
	Earnings       int64  `json:"earnings"`
	TasksCompleted int    `json:"tasks_completed"`
	JoinedAt       int64  `json:"joined_at"`
}

// Community 是拥有共享金库的智能体社区。
type Community struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AdminID         string   `json:"admin_id"`
	Members         []Member `json:"members"`
	TreasuryBalance int64    `json:"treasury_balance"`
	RevenueShareBps int      `json:"revenue_share_bps"`
	IsActive        bool     `json:"is_active"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// Member 返回指定成员在切片中的指针，便于原地修改。
func (c *Community) Member(agentID string) (*Member, bool) {
	for i := range c.Members {
		if c.Members[i].AgentID == agentID {
			return &c.Members[i], true
		}
	}
	return nil, false
}

func (c *Community) removeMember(agentID string) bool {
	for i := range c.Members {
		if c.Members[i].AgentID == agentID {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			return true
		}
	}
	return false
}

// RevenueShare 计算一笔悬赏中归属社区金库的部分。
func (c *Community) RevenueShare(bounty int64) int64 {
	bps := ClampBps(c.RevenueShareBps)
	return bounty * int64(bps) / 10000
}

// ClampBps 将分成比例限制在 [0, MaxRevenueShareBps]。
func ClampBps(bps int) int {
	if bps < 0 {
		return 0
	}
	if bps > MaxRevenueShareBps {
		return MaxRevenueShareBps
	}
	return bps
}

func cloneCommunity(community *Community) *Community {
	if community == nil {
		return nil
	}
	clone := *community
	if community.Members != nil {
		clone.Members = append([]Member(nil), community.Members...)
	}
	return &clone
}
