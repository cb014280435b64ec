// Package poscache 提供基于 Badger 的实时仓位缓存
// 键格式 position:{agent_id}:{symbol}，值为 JSON 编码的 PositionEntry
// 交易代理只读消费该缓存；写入方仅限 Cache Updater 与对账引擎
package poscache

import (
	"encoding/json"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/fillsync/internal/domain"
)

// Cache Badger 仓位缓存
type Cache struct {
	db *badger.DB

	// keyLocks 按缓存键加锁：同键的 读-改-写 必须互斥
	// （Cache Updater 与对账引擎可能并发触碰同一个键）
	keyLocks sync.Map // string -> *sync.Mutex
}

// Open 打开（或创建）仓位缓存
func Open(path string) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("poscache: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "poscache open")
	}
	return &Cache{db: db}, nil
}

// Close 关闭缓存
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// lockFor 返回指定键的互斥锁
func (c *Cache) lockFor(key string) *sync.Mutex {
	if v, ok := c.keyLocks.Load(key); ok {
		return v.(*sync.Mutex)
	}
	v, _ := c.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Get 读取仓位条目；不存在时返回 (nil, false, nil)
func (c *Cache) Get(agentID, symbol string) (*domain.PositionEntry, bool, error) {
	key := []byte(domain.PositionCacheKey(agentID, symbol))
	var entry *domain.PositionEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var e domain.PositionEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return errors.Wrapf(err, "poscache corrupt entry %s", key)
			}
			entry = &e
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry != nil, nil
}

// Put 写入仓位条目
func (c *Cache) Put(entry *domain.PositionEntry) error {
	if entry == nil {
		return errors.New("poscache: nil entry")
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := []byte(entry.Key())
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Update 对一个键执行「读-改-写」，全程持有该键的互斥锁
// fn 接收当前条目（不存在时为新建的空条目），返回 true 表示需要回写
func (c *Cache) Update(agentID, symbol string, fn func(entry *domain.PositionEntry) bool) error {
	key := domain.PositionCacheKey(agentID, symbol)
	mu := c.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	entry, ok, err := c.Get(agentID, symbol)
	if err != nil {
		return err
	}
	if !ok {
		entry = domain.NewPositionEntry(agentID, symbol)
	}
	if !fn(entry) {
		return nil
	}
	return c.Put(entry)
}

// Holders 返回当前缓存中持有指定 symbol 的所有 agent_id
// 用于无归因的交易所仓位快照的扇出判断
func (c *Cache) Holders(symbol string) ([]string, error) {
	suffix := ":" + symbol
	var agents []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("position:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if !strings.HasSuffix(key, suffix) {
				continue
			}
			// position:{agent}:{symbol}
			rest := strings.TrimPrefix(key, "position:")
			agent := strings.TrimSuffix(rest, suffix)
			if agent != "" && !strings.Contains(agent, ":") {
				agents = append(agents, agent)
			}
		}
		return nil
	})
	return agents, err
}

// Keys 返回缓存中全部 (agent_id, symbol) 键
func (c *Cache) Keys() ([][2]string, error) {
	var keys [][2]string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("position:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, "position:")
			parts := strings.SplitN(rest, ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				continue
			}
			keys = append(keys, [2]string{parts[0], parts[1]})
		}
		return nil
	})
	return keys, err
}
