package xgithub

import (
	"context"
	"sync"
)

// flightGroup 按指纹合并并发的相同请求。
//
// 设计决策: 与 singleflight 的区别在于调用方各自监听自己的 ctx。
// 一个调用方取消只让它自己提前返回；全部等待者都离开后才取消共享的执行，
// 后续调用方会重新发起。共享执行的 ctx 保留首个调用方的值但不继承其取消。
type flightGroup struct {
	mu     sync.Mutex
	m      map[string]*flightCall
	wg     sync.WaitGroup
	closed bool
}

type flightCall struct {
	done    chan struct{}
	resp    *Response
	err     error
	waiters int
	cancel  context.CancelFunc
}

// do 执行或加入 key 对应的调用。shared 表示加入了已有的调用。
func (g *flightGroup) do(ctx context.Context, key string, fn func(context.Context) (*Response, error)) (resp *Response, shared bool, err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, false, ErrClosed
	}
	if g.m == nil {
		g.m = make(map[string]*flightCall)
	}
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()
		return g.wait(ctx, key, c, true)
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &flightCall{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.m[key] = c
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer cancel()
		c.resp, c.err = fn(fctx)
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()
	return g.wait(ctx, key, c, false)
}

func (g *flightGroup) wait(ctx context.Context, key string, c *flightCall, shared bool) (*Response, bool, error) {
	select {
	case <-c.done:
		return c.resp.shallowCopy(), shared, c.err
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		if c.waiters == 0 {
			if g.m[key] == c {
				delete(g.m, key)
			}
			c.cancel()
		}
		g.mu.Unlock()
		return nil, shared, ctx.Err()
	}
}

// inFlight 返回正在执行的调用数。
func (g *flightGroup) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// drain 拒绝新的调用并等待全部共享执行结束。
func (g *flightGroup) drain() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}
