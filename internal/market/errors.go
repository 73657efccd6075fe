package market

import (
	xerrors "BountyMesh/internal/errors"
)

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeCommunityNotFound xerrors.Code = "COMMUNITY_NOT_FOUND"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"
	CodeEscrowSettled     xerrors.Code = "ESCROW_ALREADY_SETTLED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrCommunityNotFound 表示指定的社区不存在。
	ErrCommunityNotFound = xerrors.New(CodeCommunityNotFound, "community not found")
	// ErrInsufficientFunds 表示社区金库余额不足以支付悬赏。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "treasury balance below bounty")
	// ErrInvalidTransition 表示任务在当前状态下无法执行所请求的操作。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "transition not allowed")
	// ErrEscrowSettled 表示托管已经结算过一次。
	ErrEscrowSettled = xerrors.New(CodeEscrowSettled, "escrow already settled")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Kind:     xerrors.KindNotFound,
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Kind:     xerrors.KindNotFound,
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCommunityNotFound, xerrors.Attributes{
		Kind:     xerrors.KindNotFound,
		Message:  "community not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Kind:     xerrors.KindValidation,
		Message:  "treasury balance below bounty",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Kind:     xerrors.KindStateConflict,
		Message:  "transition not allowed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEscrowSettled, xerrors.Attributes{
		Kind:     xerrors.KindStateConflict,
		Message:  "escrow already settled",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

func validationError(message string) error {
	return xerrors.New(xerrors.CodeValidation, message)
}

func conflictError(message string) error {
	return xerrors.New(xerrors.CodeStateConflict, message)
}

func unauthorizedError(message string) error {
	return xerrors.New(xerrors.CodeUnauthorized, message)
}
