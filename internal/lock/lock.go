package lock

import (
	"context"
	"sync"
)

// Locker 按键加锁，返回的 unlock 必须在所有退出路径上调用
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local 进程内按键互斥锁，无人持有的键会被回收
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocal 创建进程内锁
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock 获取 key 对应的锁，ctx 结束时放弃等待
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size 当前登记的键数量
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
