package market

// Stats 聚合了市场的健康计数，供健康检查与指标使用。
type Stats struct {
	Agents         int            `json:"agents"`
	VerifiedAgents int            `json:"verified_agents"`
	Communities    int            `json:"communities"`
	Tasks          int            `json:"tasks"`
	TasksByStatus  map[Status]int `json:"tasks_by_status"`
	EscrowLocked   int64          `json:"escrow_locked"`
	TreasuryTotal  int64          `json:"treasury_total"`
}

func newStats() Stats {
	return Stats{TasksByStatus: map[Status]int{
		StatusOpen:       0,
		StatusInProgress: 0,
		StatusCompleted:  0,
		StatusVerified:   0,
		StatusCancelled:  0,
	}}
}
