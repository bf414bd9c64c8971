package xgithub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/ghkit/pkg/context/xctx"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
	"github.com/omeyang/ghkit/pkg/resilience/xlimit"
	"github.com/omeyang/ghkit/pkg/resilience/xretry"
	"github.com/omeyang/ghkit/pkg/storage/xrespcache"
)

// Execute 执行一次逻辑请求。
//
// 流程：
//  1. 相同 key 的请求正在进行时加入它，不再发起网络调用
//  2. 查缓存，新鲜命中直接返回
//  3. 选 token，按限流状态等待，交给重试管理器执行网络尝试
//  4. 成功时写缓存、记录 token 健康和配额；失败时返回分类后的错误
//
// key 为空时使用 Fingerprint(req)；带 WithScopes 时 key 会附加 scope（见 ScopedKey），
// 要求 scope 的调用不会加入或读取无 scope 调用的结果。调用方取消只影响自己的返回，
// 已经发出的网络请求仍会记录 token 健康和限流状态。
func (c *Client) Execute(ctx context.Context, key string, build BuildFunc, opts ...ExecuteOption) (resp *Response, err error) {
	switch {
	case c == nil:
		return nil, ErrNilClient
	case ctx == nil:
		return nil, ErrNilContext
	case build == nil:
		return nil, ErrNilRequest
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	o := newCallOptions(opts)
	if key == "" {
		key = Fingerprint(req)
	}
	key = ScopedKey(key, o.scopes)
	ctx = c.requestContext(ctx, key)

	ctx, span := xmetrics.Start(ctx, c.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "execute",
		Kind:      xmetrics.KindInternal,
		Attrs:     []xmetrics.Attr{xmetrics.String("http.method", req.Method)},
	})
	start := time.Now()
	c.emit(ctx, EventRequestStart,
		xmetrics.String(AttrOperation, req.Method),
		xmetrics.String(AttrRequestKey, key),
	)
	defer func() {
		span.End(xmetrics.Result{Err: err})
		c.finish(ctx, key, req, resp, err, time.Since(start))
	}()

	resp, shared, err := c.flights.do(ctx, key, func(fctx context.Context) (*Response, error) {
		return c.dispatch(fctx, key, req, o)
	})
	if shared {
		c.emit(ctx, EventDedupShared, xmetrics.String(AttrRequestKey, key))
		if resp != nil {
			resp.Shared = true
		}
	}
	return resp, err
}

// Do 以请求指纹为 key 执行 req。
func (c *Client) Do(ctx context.Context, req *Request, opts ...ExecuteOption) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	return c.Execute(ctx, "", func() (*Request, error) { return req, nil }, opts...)
}

// Get 发送 GET 请求。
func (c *Client) Get(ctx context.Context, path string, opts ...ExecuteOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodGet, path), opts...)
}

// GraphQL 发送 GraphQL 查询。查询是只读的，使用 ForceCache 可以缓存结果。
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any, opts ...ExecuteOption) (*Response, error) {
	if c == nil {
		return nil, ErrNilClient
	}
	req, err := NewGraphQLRequest(c.cfg.GraphQLPath, query, variables)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req, opts...)
}

// requestContext 补齐请求 ID 和请求 key。
func (c *Client) requestContext(ctx context.Context, key string) context.Context {
	if xctx.RequestID(ctx) == "" {
		if next, err := xctx.WithRequestID(ctx, uuid.NewString()); err == nil {
			ctx = next
		}
	}
	if next, err := xctx.WithRequestKey(ctx, key); err == nil {
		ctx = next
	}
	return ctx
}

func (c *Client) finish(ctx context.Context, key string, req *Request, resp *Response, err error, d time.Duration) {
	attrs := []xmetrics.Attr{
		xmetrics.String(AttrOperation, req.Method),
		xmetrics.String(AttrRequestKey, key),
		xmetrics.Duration(AttrDuration, d),
	}
	if err != nil {
		if code := xretry.StatusCodeOf(err); code != 0 {
			attrs = append(attrs, xmetrics.Int(AttrStatus, code))
		}
		attrs = append(attrs, xmetrics.Attr{Key: AttrError, Value: err})
		c.emit(ctx, EventRequestFailure, attrs...)
		return
	}
	attrs = append(attrs,
		xmetrics.Int(AttrStatus, resp.StatusCode),
		xmetrics.Int(AttrAttempt, resp.Attempts),
	)
	c.emit(ctx, EventRequestSuccess, attrs...)
}

// =============================================================================
// 共享执行
// =============================================================================

// dispatch 在共享执行里运行：查缓存，未命中或过期时走网络。
func (c *Client) dispatch(ctx context.Context, key string, req *Request, o callOptions) (*Response, error) {
	useCache := c.cache != nil && !o.skipCache && (req.cacheable() || o.forceCache)
	if !useCache {
		return c.fetch(ctx, key, req, o, nil, false)
	}

	e, st, err := c.cache.Fetch(ctx, key)
	if err != nil {
		c.logger.Warn(ctx, "cache fetch failed", xlog.RequestKey(key), xlog.Err(err))
	}
	var validator *xrespcache.Entry
	switch st {
	case xrespcache.StatusFresh:
		c.emit(ctx, EventCacheHit, xmetrics.String(AttrRequestKey, key))
		return cachedResponse(e), nil
	case xrespcache.StatusStale:
		validator = &e
	default:
		c.emit(ctx, EventCacheMiss, xmetrics.String(AttrRequestKey, key))
	}
	return c.fetch(ctx, key, req, o, validator, true)
}

func cachedResponse(e xrespcache.Entry) *Response {
	h := make(http.Header)
	if e.ETag != "" {
		h.Set("ETag", e.ETag)
	}
	if e.LastModified != "" {
		h.Set("Last-Modified", e.LastModified)
	}
	return &Response{StatusCode: http.StatusOK, Header: h, Body: e.Value, FromCache: true}
}

// call 一次 Execute 在多次尝试间共享的状态。只在共享执行的 goroutine 里访问。
type call struct {
	req       *Request
	resource  string
	scopes    []string
	validator *xrespcache.Entry
	tok       xtoken.Token
	attempts  int
}

// fetch 选 token 并在重试管理器下执行网络尝试。validator 非空时发条件请求，
// store 为 true 时把结果写回缓存。
func (c *Client) fetch(ctx context.Context, key string, req *Request, o callOptions, validator *xrespcache.Entry, store bool) (*Response, error) {
	resource := req.Resource
	if resource == "" {
		resource = xlimit.ClassifyResource(req.Path, req.GraphQL)
	}
	tok, ok := c.tokens.Next(o.scopes...)
	if !ok {
		return nil, &NoUsableTokenError{Scopes: o.scopes, Total: c.tokens.Len()}
	}
	cl := &call{req: req, resource: resource, scopes: o.scopes, validator: validator, tok: tok}

	callOpts := []xretry.CallOption{
		xretry.WithScopeFunc(func() string { return c.breakerScope(cl) }),
		xretry.WithNotify(func(n xretry.RetryNotice) {
			c.emit(ctx, EventRequestRetry,
				xmetrics.String(AttrRequestKey, key),
				xmetrics.Int(AttrAttempt, n.Attempt),
				xmetrics.Duration(AttrDuration, n.Delay),
				xmetrics.Attr{Key: AttrError, Value: n.Err},
			)
		}),
	}
	if o.policy != nil {
		callOpts = append(callOpts, xretry.WithPolicy(*o.policy))
	}
	// 换 token 后以新 token 的熔断 scope 和完整的重试预算重新执行，
	// 每次换 token 都会隔离旧 token，次数不超过池大小。
	var (
		resp *Response
		err  error
	)
	for range c.tokens.Len() + 1 {
		resp, err = xretry.Do(ctx, c.retry, func(actx context.Context) (*Response, error) {
			return c.attempt(actx, cl)
		}, callOpts...)
		var rot *tokenRotatedError
		if !errors.As(err, &rot) {
			break
		}
		err = rot.Unwrap()
	}
	if err != nil {
		return nil, err
	}
	resp.TokenID = cl.tok.ID()
	resp.Attempts = cl.attempts
	if store {
		resp = c.store(ctx, key, req, o, resp, validator)
	}
	return resp, nil
}

// breakerScope 熔断器按配置的粒度隔离。
func (c *Client) breakerScope(cl *call) string {
	switch c.cfg.BreakerScope {
	case BreakerScopeResource:
		return cl.resource
	case BreakerScopeGlobal:
		return xretry.DefaultScope
	default:
		return cl.tok.ID()
	}
}

// tokenRotatedError 主配额耗尽且已换到新 token。本轮重试停止，
// 熔断器把限流记在旧 token 上，fetch 用新 token 重新执行。
type tokenRotatedError struct {
	rl *RateLimitError
}

func (e *tokenRotatedError) Error() string   { return e.rl.Error() }
func (e *tokenRotatedError) Unwrap() error   { return e.rl }
func (e *tokenRotatedError) Retryable() bool { return false }

// attempt 一次网络尝试，只使用 cl.tok。
func (c *Client) attempt(ctx context.Context, cl *call) (*Response, error) {
	cl.attempts++
	tok := cl.tok
	limKey := xlimit.Key(cl.resource, tok.ID())
	if err := c.gate(ctx, limKey); err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, cl, tok)
	c.limits.Release(limKey)
	if err != nil {
		c.tokens.RecordError(tok.ID())
		c.logger.Debug(ctx, "transport failed",
			xlog.TokenID(tok.ID()), xlog.Attempt(cl.attempts), xlog.Err(err))
		return nil, &TransientServerError{Err: err}
	}

	c.observe(ctx, resp, cl.resource, tok)
	cerr := classify(resp, cl.resource, c.now())
	c.recordHealth(tok, cerr)
	if cerr == nil {
		return resp, nil
	}

	var rl *RateLimitError
	if errors.As(cerr, &rl) {
		if rl.Secondary {
			until := c.limits.MarkSecondary(limKey, rl.After, rl.HasAfter)
			c.emit(ctx, EventRateLimitSecondary,
				xmetrics.String(AttrResource, limKey),
				xmetrics.Attr{Key: AttrUntil, Value: until},
			)
		} else if next, ok := c.rotate(ctx, cl, rl); ok {
			cl.tok = next
			return nil, &tokenRotatedError{rl: rl}
		}
	}
	return nil, cerr
}

// gate 等待配额安全并登记在途请求，之后经过节流器。返回 nil 时调用方必须 Release。
func (c *Client) gate(ctx context.Context, limKey string) error {
	waited, err := c.limits.Acquire(ctx, limKey)
	if err != nil {
		return err
	}
	if waited > 0 {
		c.emit(ctx, EventRateLimitWait,
			xmetrics.String(AttrResource, limKey),
			xmetrics.Duration(AttrDuration, waited),
		)
	}
	if err := c.pacer.Wait(ctx, limKey); err != nil {
		c.limits.Release(limKey)
		return err
	}
	return nil
}

// send 发送一次请求。网络调用不继承调用方的取消，只受 Timeout 约束：
// 请求发出后结果总会被记录。
func (c *Client) send(ctx context.Context, cl *call, tok xtoken.Token) (*Response, error) {
	r := cl.req.clone()
	if v := cl.validator; v != nil {
		switch {
		case v.ETag != "":
			if r.Header.Get("If-None-Match") == "" {
				r.Header.Set("If-None-Match", v.ETag)
			}
		case v.LastModified != "":
			if r.Header.Get("If-Modified-Since") == "" {
				r.Header.Set("If-Modified-Since", v.LastModified)
			}
		}
	}

	sctx := context.WithoutCancel(ctx)
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, c.cfg.Timeout)
		defer cancel()
	}
	if next, err := xctx.WithTokenID(sctx, tok.ID()); err == nil {
		sctx = next
	}
	return c.transport.Send(sctx, r, tok)
}

// observe 用响应头（GraphQL 还有响应体）更新该 token 的配额。
func (c *Client) observe(ctx context.Context, resp *Response, resource string, tok xtoken.Token) {
	u, ok := xlimit.ParseHeaders(resp.Header, resource)
	if !ok && resource == xlimit.ResourceGraphQL && resp.StatusCode == http.StatusOK {
		u, ok = xlimit.ParseGraphQLRateLimit(resp.Body)
	}
	if !ok {
		return
	}
	u.Resource = xlimit.Key(u.Resource, tok.ID())
	c.limits.Update(u)
	c.logger.Debug(ctx, "rate limit updated",
		xlog.Resource(u.Resource), slog.Int(AttrRemaining, u.Remaining), slog.Int(AttrLimit, u.Limit))
}

// recordHealth 网络错误、5xx、限流、401/403 记失败；其余 4xx 说明 token 本身可用，记成功。
func (c *Client) recordHealth(tok xtoken.Token, cerr error) {
	id := tok.ID()
	var ce *NonRetryableClientError
	switch {
	case cerr == nil:
		c.tokens.RecordSuccess(id)
	case errors.As(cerr, &ce):
		if ce.Status == http.StatusUnauthorized || ce.Status == http.StatusForbidden {
			c.tokens.RecordError(id)
			return
		}
		c.tokens.RecordSuccess(id)
	default:
		c.tokens.RecordError(id)
	}
}

// rotate 主配额耗尽：把 token 隔离到 reset，换一个可用 token。
// 池里没有其他可用 token 时不隔离，由重试按 reset 时间等待。
func (c *Client) rotate(ctx context.Context, cl *call, rl *RateLimitError) (xtoken.Token, bool) {
	old := cl.tok
	d := rl.ResetAt.Sub(c.now())
	if d <= 0 || c.tokens.UsableCount() < 2 {
		return xtoken.Token{}, false
	}
	if err := c.tokens.Quarantine(old.ID(), d); err != nil {
		return xtoken.Token{}, false
	}
	next, ok := c.tokens.Next(cl.scopes...)
	if !ok || next.ID() == old.ID() {
		return xtoken.Token{}, false
	}
	c.emit(ctx, EventTokenRotated,
		xmetrics.String(AttrTokenID, next.ID()),
		xmetrics.String("from", old.ID()),
		xmetrics.String(AttrResource, cl.resource),
	)
	return next, true
}

// =============================================================================
// 缓存写回
// =============================================================================

// store 200 写入缓存；304 重新校验已有条目并返回缓存内容。
func (c *Client) store(ctx context.Context, key string, req *Request, o callOptions, resp *Response, validator *xrespcache.Entry) *Response {
	priority := c.cfg.DefaultPriority
	if o.hasPriority {
		priority = o.priority
	}
	setOpts := []xrespcache.SetOption{
		xrespcache.WithETag(resp.Header.Get("ETag")),
		xrespcache.WithLastModified(resp.Header.Get("Last-Modified")),
	}
	if c.cfg.BackgroundRefresh && !o.noRefresh {
		setOpts = append(setOpts, xrespcache.WithRefresh(c.refresher(key, req, o)))
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && validator != nil:
		e, ok := c.cache.Revalidate(key, o.ttl, setOpts...)
		if !ok {
			// 条目在请求期间被淘汰，用校验时的内容重建
			if validator.ETag != "" {
				setOpts[0] = xrespcache.WithETag(validator.ETag)
			}
			if validator.LastModified != "" {
				setOpts[1] = xrespcache.WithLastModified(validator.LastModified)
			}
			e = c.cache.Set(key, validator.Value, o.ttl, validator.Priority, setOpts...)
		}
		c.persist(ctx, key)
		c.emit(ctx, EventCacheRevalidated, xmetrics.String(AttrRequestKey, key))
		out := cachedResponse(e)
		out.Revalidated = true
		out.TokenID, out.Attempts = resp.TokenID, resp.Attempts
		return out
	case resp.StatusCode == http.StatusOK:
		c.cache.Set(key, resp.Body, o.ttl, priority, setOpts...)
		c.persist(ctx, key)
	}
	return resp
}

func (c *Client) persist(ctx context.Context, key string) {
	if err := c.cache.Persist(ctx, key); err != nil {
		c.logger.Warn(ctx, "cache persist failed", xlog.RequestKey(key), xlog.Err(err))
	}
}

// refresher 后台刷新：带校验头重新请求，经过与前台相同的合并表。
func (c *Client) refresher(key string, req *Request, o callOptions) xrespcache.RefreshFunc {
	return func(ctx context.Context, e xrespcache.Entry) error {
		if c.closed.Load() {
			return ErrClosed
		}
		ctx = c.requestContext(ctx, key)
		var validator *xrespcache.Entry
		if e.Validatable() {
			validator = &e
		}
		_, _, err := c.flights.do(ctx, key, func(fctx context.Context) (*Response, error) {
			return c.fetch(fctx, key, req, o, validator, true)
		})
		return err
	}
}
