package event

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewBus 测试创建新的事件总线
func TestNewBus(t *testing.T) {
	bus := NewBus()
	if bus == nil {
		t.Fatal("NewBus() 返回 nil")
	}
	if bus.handlers == nil {
		t.Fatal("NewBus() handlers map 未初始化")
	}
}

// TestSubscribeAndPublish 测试订阅和发布事件
func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	received := make(chan any, 1)
	bus.Subscribe("test", func(evt any) {
		received <- evt
	})

	bus.Publish("test", "hello")

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("handler 收到 %v, 期望 %v", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("等待 handler 被调用超时")
	}
}

// TestPublishNoSubscribers 测试发布无订阅者的事件不会 panic
func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish("nonexistent", "data")
	bus.Drain()
}

// TestDrainWaitsForHandlers 测试 Drain 等待所有 handler 返回
func TestDrainWaitsForHandlers(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe(EventSessionClosed, func(evt any) {
			time.Sleep(10 * time.Millisecond)
			count.Add(1)
		})
	}

	bus.Publish(EventSessionClosed, &SessionEvent{ID: 1})
	bus.Drain()

	if got := count.Load(); got != 3 {
		t.Errorf("handler 被调用 %d 次, 期望 3 次", got)
	}
}

// TestMultipleEvents 测试不同事件名称互不干扰
func TestMultipleEvents(t *testing.T) {
	bus := NewBus()
	var opened, failed atomic.Bool

	bus.Subscribe(EventSessionOpened, func(evt any) {
		opened.Store(true)
	})
	bus.Subscribe(EventSessionFailed, func(evt any) {
		failed.Store(true)
	})

	bus.Publish(EventSessionOpened, &SessionEvent{ID: 7})
	bus.Drain()

	if !opened.Load() {
		t.Error("session.opened handler 应该被调用")
	}
	if failed.Load() {
		t.Error("session.failed handler 不应该被调用")
	}
}

// TestHandlerPanicIsRecovered 测试 handler panic 不会影响其他 handler
func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := NewBus()
	var ok atomic.Bool
	bus.Subscribe("test", func(evt any) {
		panic("boom")
	})
	bus.Subscribe("test", func(evt any) {
		ok.Store(true)
	})

	bus.Publish("test", nil)
	bus.Drain()

	if !ok.Load() {
		t.Error("未 panic 的 handler 应该被调用")
	}
}

// TestConcurrentSubscribeAndPublish 测试并发订阅和发布的线程安全性
func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	var count atomic.Int64

	bus.Subscribe("test", func(evt any) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("test", "data")
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe("test", func(evt any) {
				count.Add(1)
			})
		}()
	}

	wg.Wait()
	bus.Drain()

	if count.Load() < 100 {
		t.Errorf("至少应该收到 100 次事件, 实际收到 %d 次", count.Load())
	}
}

// TestPublishEventData 测试事件数据正确传递
func TestPublishEventData(t *testing.T) {
	bus := NewBus()
	received := make(chan *SessionFailedEvent, 1)
	bus.Subscribe(EventSessionFailed, func(evt any) {
		received <- evt.(*SessionFailedEvent)
	})

	sent := &SessionFailedEvent{Client: "127.0.0.1:5000", Upstream: "127.0.0.1:80", Err: errors.New("refused")}
	bus.Publish(EventSessionFailed, sent)

	select {
	case got := <-received:
		if got.Client != sent.Client || got.Upstream != sent.Upstream || got.Err != sent.Err {
			t.Errorf("收到 %+v, 期望 %+v", got, sent)
		}
	case <-time.After(time.Second):
		t.Fatal("handler 未收到事件")
	}
}
