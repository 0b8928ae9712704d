// Package application 实现执行服务的应用层编排
package application

import (
	"context"
	"log/slog"
	"time"
)

// DedupStore 幂等窗口的二级存储（Redis SetNX 语义）
type DedupStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// FillDeduper 成交幂等集合。
// 内存侧是按插入顺序淘汰的有界集合（进程生命周期内的权威判断），
// 可选的 Redis 窗口让窗口期内的进程重启也不会重复入账。
// 只被 OrderManager 的顺序成交路径访问，因此無需加锁。
type FillDeduper struct {
	capacity int
	ids      map[string]struct{}
	ring     []string
	head     int

	store    DedupStore
	storeTTL time.Duration
	keyPfx   string

	logger *slog.Logger
}

// NewFillDeduper 创建幂等集合；store 为 nil 时仅使用内存窗口。
func NewFillDeduper(capacity int, store DedupStore, storeTTL time.Duration, logger *slog.Logger) *FillDeduper {
	if capacity <= 0 {
		capacity = 65536
	}
	return &FillDeduper{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		ring:     make([]string, 0, capacity),
		store:    store,
		storeTTL: storeTTL,
		keyPfx:   "execution:fill_dedup:",
		logger:   logger.With("module", "fill_deduper"),
	}
}

// CheckAndMark 返回 fillID 是否为重复投递；非重复时将其记入窗口。
// Redis 不可用时退化为仅内存判断：宁可冒窗口外重复的险，
// 也不能阻塞成交应用路径。
func (d *FillDeduper) CheckAndMark(ctx context.Context, fillID string) bool {
	if _, ok := d.ids[fillID]; ok {
		return true
	}

	if d.store != nil {
		fresh, err := d.store.SetNX(ctx, d.keyPfx+fillID, "1", d.storeTTL)
		if err != nil {
			d.logger.WarnContext(ctx, "dedup store unavailable, falling back to in-memory window",
				"fill_id", fillID, "error", err)
		} else if !fresh {
			// 窗口期内其他进程实例已经处理过这笔成交
			d.add(fillID)
			return true
		}
	}

	d.add(fillID)
	return false
}

// Len 当前窗口内的 fill_id 数量
func (d *FillDeduper) Len() int {
	return len(d.ids)
}

// add 插入并按插入顺序淘汰最旧条目
func (d *FillDeduper) add(fillID string) {
	if len(d.ring) < d.capacity {
		d.ring = append(d.ring, fillID)
	} else {
		delete(d.ids, d.ring[d.head])
		d.ring[d.head] = fillID
		d.head = (d.head + 1) % d.capacity
	}
	d.ids[fillID] = struct{}{}
}
