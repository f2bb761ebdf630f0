package collab

import (
	"sync"

	"go.uber.org/zap"
)

// KeyedQueue 为每个 key（文档 id）维护一个串行任务队列。
// 同一 key 的任务按提交顺序依次执行，不同 key 之间并行。
// worker 在有任务时才启动，队列清空后退出。
type KeyedQueue struct {
	name string
	log  *zap.Logger

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
	wg     sync.WaitGroup
}

type keyQueue struct {
	tasks   []func()
	running bool
}

func NewKeyedQueue(name string, log *zap.Logger) *KeyedQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyedQueue{name: name, log: log, queues: make(map[string]*keyQueue)}
}

// Submit 追加任务；队列已关闭时返回 false。
func (q *KeyedQueue) Submit(key string, task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	kq := q.queues[key]
	if kq == nil {
		kq = &keyQueue{}
		q.queues[key] = kq
	}
	kq.tasks = append(kq.tasks, task)
	if !kq.running {
		kq.running = true
		q.wg.Add(1)
		go q.run(key, kq)
	}
	return true
}

func (q *KeyedQueue) run(key string, kq *keyQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(kq.tasks) == 0 {
			kq.running = false
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		task := kq.tasks[0]
		kq.tasks[0] = nil
		kq.tasks = kq.tasks[1:]
		q.mu.Unlock()

		q.exec(key, task)
	}
}

func (q *KeyedQueue) exec(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue task panicked", zap.String("queue", q.name), zap.String("key", key), zap.Any("panic", r))
		}
	}()
	task()
}

// Pending 返回某个 key 上尚未执行的任务数。
func (q *KeyedQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if kq := q.queues[key]; kq != nil {
		return len(kq.tasks)
	}
	return 0
}

// Close 拒绝新任务，并等待已提交的任务全部执行完。
func (q *KeyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
