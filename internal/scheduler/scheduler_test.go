package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 30 * time.Second, AlignToStart: true}, testLogger())

	now := time.Date(2026, 1, 15, 12, 0, 17, 0, time.UTC)
	next := s.nextTick(now)
	want := time.Date(2026, 1, 15, 12, 0, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("对齐时间不正确: %s, 期望 %s", next, want)
	}

	// 正好落在桶边界时应推进到下一个桶
	next = s.nextTick(want)
	if !next.Equal(want.Add(30 * time.Second)) {
		t.Fatalf("边界时间应推进一个周期: %s", next)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, testLogger())

	now := time.Date(2026, 1, 15, 12, 0, 17, 0, time.UTC)
	next := s.nextTick(now)
	if !next.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐模式应为 now+interval: %s", next)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int64

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			ticks.Add(1)
			return nil
		})
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run 应以 context.Canceled 退出: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run 未在取消后退出")
	}

	if ticks.Load() == 0 {
		t.Fatal("应至少执行一次 tick")
	}
}

func TestNewPanicsOnInvalidInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("非法 interval 应 panic")
		}
	}()
	New(Options{Interval: 0}, testLogger())
}
