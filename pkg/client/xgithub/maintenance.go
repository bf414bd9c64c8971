package xgithub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
)

// maintenanceTimeout 单次维护的上限，主要约束 token 刷新的网络调用。
const maintenanceTimeout = time.Minute

// MaintenanceReport 一次维护的结果。
type MaintenanceReport struct {
	// Evicted 淘汰的缓存条目数。
	Evicted int
	// Released 隔离到期恢复的 token 数。
	Released int
	// Refreshed 刷新成功的 token 数。
	Refreshed int
}

// Maintain 执行一次维护：缓存淘汰、隔离到期释放、临近过期的 token 刷新。
// 配置了 MaintenanceSchedule 时由定时任务调用，也可以手动调用。
func (c *Client) Maintain(ctx context.Context) (report MaintenanceReport, err error) {
	if c == nil {
		return MaintenanceReport{}, ErrNilClient
	}
	if ctx == nil {
		return MaintenanceReport{}, ErrNilContext
	}
	ctx, span := xmetrics.Start(ctx, c.observer, xmetrics.SpanOptions{
		Component: metricsComponent,
		Operation: "maintain",
		Kind:      xmetrics.KindInternal,
	})
	defer func() {
		span.End(xmetrics.Result{Err: err, Attrs: []xmetrics.Attr{
			xmetrics.Int("evicted", report.Evicted),
			xmetrics.Int("released", report.Released),
			xmetrics.Int("refreshed", report.Refreshed),
		}})
	}()

	if c.cache != nil {
		report.Evicted = c.cache.PerformEviction()
	}
	// 释放事件由 token 管理器的回调发出
	report.Released = len(c.tokens.Sweep())
	report.Refreshed, err = c.tokens.RefreshExpiring(ctx)
	return report, err
}

// maintenanceJob 实现 cron.Job。
type maintenanceJob struct {
	c *Client
}

// Run 由 cron 调用，panic 只记录日志。
func (j maintenanceJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			j.c.logger.Error(ctx, "maintenance panicked", xlog.Err(fmt.Errorf("panic: %v", r)))
		}
	}()

	start := time.Now()
	report, err := j.c.Maintain(ctx)
	if err != nil {
		j.c.logger.Warn(ctx, "maintenance finished with errors", xlog.Err(err))
		return
	}
	j.c.logger.Debug(ctx, "maintenance finished",
		xlog.Duration(time.Since(start)),
		slog.Int("evicted", report.Evicted),
		slog.Int("released", report.Released),
		slog.Int("refreshed", report.Refreshed),
	)
}

// startMaintenance 启动定时维护。上一次未结束时跳过本次。
func (c *Client) startMaintenance(schedule string) error {
	cr := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := cr.AddJob(schedule, maintenanceJob{c: c}); err != nil {
		return fmt.Errorf("%w: maintenance_schedule: %w", ErrInvalidConfig, err)
	}
	c.cron = cr
	cr.Start()
	return nil
}

// stopMaintenance 停止调度并等待正在执行的维护结束。
func (c *Client) stopMaintenance() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}
