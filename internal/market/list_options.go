package market

import "strings"

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByUpdatedDesc orders tasks by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders tasks by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit       int
	Offset      int
	Statuses    []Status
	PosterID    string
	AssigneeID  string
	CommunityID string
	Order       SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.PosterID = strings.TrimSpace(opts.PosterID)
	opts.AssigneeID = strings.TrimSpace(opts.AssigneeID)
	opts.CommunityID = strings.TrimSpace(opts.CommunityID)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithPoster filters tasks created by the given poster.
func WithPoster(posterID string) ListOption {
	return func(opts *ListOptions) {
		opts.PosterID = posterID
	}
}

// WithAssignee filters tasks assigned to the given agent.
func WithAssignee(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AssigneeID = agentID
	}
}

// WithFundingCommunity filters tasks funded by the given community treasury.
func WithFundingCommunity(communityID string) ListOption {
	return func(opts *ListOptions) {
		opts.CommunityID = communityID
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func (opts ListOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.PosterID != "" && task.PosterID != opts.PosterID {
		return false
	}
	if opts.AssigneeID != "" && task.AssigneeID != opts.AssigneeID {
		return false
	}
	if opts.CommunityID != "" && task.Funding.CommunityID != opts.CommunityID {
		return false
	}
	return true
}

// AgentFilter 控制智能体列表的筛选条件。
type AgentFilter struct {
	Verified    *bool
	CommunityID string
	// PendingVerification 仅返回未验证且配置了外部内容的智能体。
	PendingVerification bool
	Limit               int
}

func (f AgentFilter) matches(agent *Agent) bool {
	if f.Verified != nil && agent.Verified != *f.Verified {
		return false
	}
	if f.CommunityID != "" && agent.CommunityID != f.CommunityID {
		return false
	}
	if f.PendingVerification && (agent.Verified || strings.TrimSpace(agent.ContentRef) == "") {
		return false
	}
	return true
}
