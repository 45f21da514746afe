package lock

import (
	"context"
	"sync"
)

// Locker 提供按 key 的互斥；unlock 必须且只能调用一次。
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Keyed 是进程内按 key 的互斥锁，不同 key 互不阻塞。
// 条目按引用计数回收，长期运行不会累积。
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: map[string]*keyedEntry{}}
}

// Lock 获取 key 对应的锁；ctx 取消时放弃等待并返回 ctx.Err()。
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Size 返回当前持有或等待中的 key 数量。
func (k *Keyed) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
