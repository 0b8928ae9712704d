package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDedupStore struct {
	seen map[string]bool
	err  error
	ttls []time.Duration
}

func (s *fakeDedupStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.ttls = append(s.ttls, ttl)
	if s.seen[key] {
		return false, nil
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	s.seen[key] = true
	return true, nil
}

func TestDeduperDetectsDuplicates(t *testing.T) {
	d := NewFillDeduper(16, nil, 0, slog.Default())
	ctx := context.Background()

	assert.False(t, d.CheckAndMark(ctx, "fill-1"))
	assert.True(t, d.CheckAndMark(ctx, "fill-1"))
	assert.False(t, d.CheckAndMark(ctx, "fill-2"))
	assert.Equal(t, 2, d.Len())
}

func TestDeduperEvictsInInsertionOrder(t *testing.T) {
	d := NewFillDeduper(3, nil, 0, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.False(t, d.CheckAndMark(ctx, fmt.Sprintf("fill-%d", i)))
	}
	require.Equal(t, 3, d.Len())

	// 第 4 条挤掉最旧的 fill-0
	require.False(t, d.CheckAndMark(ctx, "fill-3"))
	assert.Equal(t, 3, d.Len())
	assert.False(t, d.CheckAndMark(ctx, "fill-0"), "evicted id is forgotten")
	assert.True(t, d.CheckAndMark(ctx, "fill-2"), "recent id is still tracked")
}

func TestDeduperConsultsStoreAcrossInstances(t *testing.T) {
	store := &fakeDedupStore{seen: make(map[string]bool)}
	ctx := context.Background()

	first := NewFillDeduper(16, store, time.Hour, slog.Default())
	assert.False(t, first.CheckAndMark(ctx, "fill-1"))

	// 模拟进程重启：内存窗口清空，Redis 窗口仍在
	second := NewFillDeduper(16, store, time.Hour, slog.Default())
	assert.True(t, second.CheckAndMark(ctx, "fill-1"))
	// 且已回填到内存窗口，后续判断不再访问存储
	store.err = errors.New("redis gone")
	assert.True(t, second.CheckAndMark(ctx, "fill-1"))

	require.NotEmpty(t, store.ttls)
	assert.Equal(t, time.Hour, store.ttls[0])
}

func TestDeduperStoreFailureFallsBackToMemory(t *testing.T) {
	store := &fakeDedupStore{err: errors.New("connection refused")}
	d := NewFillDeduper(16, store, time.Hour, slog.Default())
	ctx := context.Background()

	// 存储不可用不阻塞成交路径，退化为仅内存判断
	assert.False(t, d.CheckAndMark(ctx, "fill-1"))
	assert.True(t, d.CheckAndMark(ctx, "fill-1"))
}
