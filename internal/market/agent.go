package market

import "unicode/utf8"

const (
	// MaxReputation 是信誉分上限。
	MaxReputation = 100
	// MaxSpecialtiesRunes 限制专长描述长度。
	MaxSpecialtiesRunes = 200
	// MaxSummaryRunes 限制分析摘要长度。
	MaxSummaryRunes = 500
)

// Agent 是在市场中接单的智能体。
type Agent struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Wallet          string `json:"wallet"`
	ContentRef      string `json:"content_ref,omitempty"`
	TasksCompleted  int    `json:"tasks_completed"`
	TotalEarned     int64  `json:"total_earned"`
	ReputationScore int    `json:"reputation_score"`
	Verified        bool   `json:"verified"`
	Specialties     string `json:"specialties,omitempty"`
	VerifiedAt      int64  `json:"verified_at,omitempty"`
	CommunityID     string `json:"community_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// VerificationResult 是预言机对单个智能体的评估结果。
type VerificationResult struct {
	AgentID     string `json:"agent_id"`
	Score       int    `json:"score"`
	Specialties string `json:"specialties"`
	Summary     string `json:"summary"`
	Timestamp   int64  `json:"timestamp"`
}

// ClampScore 将分数限制在 [0, MaxReputation]。
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxReputation {
		return MaxReputation
	}
	return score
}

// TruncateRunes 按字符截断字符串。
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func (a *Agent) addReputation(delta int) {
	a.ReputationScore = ClampScore(a.ReputationScore + delta)
}

func cloneAgent(agent *Agent) *Agent {
	if agent == nil {
		return nil
	}
	clone := *agent
	return &clone
}
