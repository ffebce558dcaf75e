package cache

import "sync"

// KeyLocks 为每个 ResourceKey 提供引用计数的互斥锁，同一键的写入串行，不同键互不阻塞。
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks 构造空的锁表。
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*entryLock)}
}

// Lock 获取 key 的写锁并返回释放函数；无人持有时条目会被回收。
func (l *KeyLocks) Lock(key ResourceKey) func() {
	k := key.String()
	l.mu.Lock()
	lock := l.locks[k]
	if lock == nil {
		lock = &entryLock{}
		l.locks[k] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}
