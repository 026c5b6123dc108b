package utils

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker 按键提供互斥，Lock 在获得锁之前阻塞，直到 ctx 结束
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// KeyedLock 是进程内的按键互斥锁，不同键之间互不影响
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entries: make(map[string]*keyedEntry)}
}

// Lock 获取键对应的锁
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(key, e, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *KeyedLock) release(key string, e *keyedEntry, held bool) {
	if held {
		e.sem.Release(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size 返回当前被持有或等待中的键数量
func (l *KeyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
