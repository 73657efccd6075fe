package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 将事件保存在内存中，主要用于测试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryPublisher 创建内存事件发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 记录事件。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件发布器已关闭")
	}
	p.events = append(p.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType 返回指定类型的事件。
func (p *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, event := range p.Events() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
