package oracle

import (
	"math"

	"BountyMesh/internal/llm"
	"BountyMesh/internal/market"
)

// ValidateAnalysis 将分析器输出转为可写入的验证结果。
// 分数四舍五入后限制在 [0,100]，NaN 视为 0。
func ValidateAnalysis(agentID string, analysis *llm.Analysis, timestamp int64) market.VerificationResult {
	result := market.VerificationResult{AgentID: agentID, Timestamp: timestamp}
	if analysis == nil {
		return result
	}
	result.Score = clampScore(analysis.Score)
	result.Specialties = market.TruncateRunes(cleanLine(analysis.Specialties), market.MaxSpecialtiesRunes)
	result.Summary = market.TruncateRunes(cleanText(analysis.Summary), market.MaxSummaryRunes)
	return result
}

func clampScore(score float64) int {
	switch {
	case math.IsNaN(score):
		return 0
	case score <= 0:
		return 0
	case score >= market.MaxReputation:
		return market.MaxReputation
	}
	return market.ClampScore(int(math.Round(score)))
}
