package crawlers

import (
	"context"
	"sync"

	"github.com/RecoveryAshes/rulecrawl/internal/models"
)

// QueuedTask 可入队的任务
type QueuedTask interface {
	// ID 去重标识
	ID() string
	// Kind 任务类型
	Kind() models.TaskKind
}

// TaskQueue 任务队列管理器
// 职责:
//   - 无界FIFO队列,worker通过 Pop 阻塞等待
//   - 去重索引: 检查与插入在同一把锁内完成,同一标识最多执行一次
//   - 在途计数: 入队+1, Done-1, 归零时关闭队列,唤醒所有等待的worker
type TaskQueue struct {
	mu sync.Mutex

	// 待处理任务
	pending []QueuedTask

	// 已入队(含已执行)任务标识
	seen map[string]struct{}

	// 已入队但尚未 Done 的任务数,初始持有1个播种令牌
	inflight int

	// 有新任务时通知(容量1)
	notify chan struct{}

	// 队列排空后关闭
	drained chan struct{}

	closed bool
}

// NewTaskQueue 创建任务队列
// 队列初始持有一个播种令牌,调用方完成播种后需调用一次 Done 释放
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		pending:  make([]QueuedTask, 0),
		seen:     make(map[string]struct{}),
		inflight: 1,
		notify:   make(chan struct{}, 1),
		drained:  make(chan struct{}),
	}
}

// Push 添加任务
// 返回false表示任务已存在或队列已关闭
func (q *TaskQueue) Push(task QueuedTask) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	id := task.ID()
	if _, exists := q.seen[id]; exists {
		q.mu.Unlock()
		return false
	}
	q.seen[id] = struct{}{}
	q.pending = append(q.pending, task)
	q.inflight++
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop 取出下一个任务
// 阻塞直到有任务、队列排空或ctx取消
func (q *TaskQueue) Pop(ctx context.Context) (QueuedTask, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			remaining := len(q.pending)
			q.mu.Unlock()

			// 还有剩余任务时继续唤醒其他worker
			if remaining > 0 {
				q.signal()
			}
			return task, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.drained:
			return nil, false
		case <-q.notify:
		}
	}
}

// Done 标记一个任务结束(或释放播种令牌)
func (q *TaskQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.inflight <= 0 && !q.closed {
		q.closed = true
		close(q.drained)
	}
}

// Drained 队列排空后关闭的channel
func (q *TaskQueue) Drained() <-chan struct{} {
	return q.drained
}

// IsSeen 检查任务标识是否已入队
func (q *TaskQueue) IsSeen(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.seen[id]
	return ok
}

// PendingCount 返回待处理任务数量
func (q *TaskQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InflightCount 返回已入队但尚未结束的任务数量
func (q *TaskQueue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Close 关闭队列,后续 Push 返回false,等待中的 Pop 返回
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.drained)
	}
}

func (q *TaskQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
