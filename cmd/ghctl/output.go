package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/omeyang/ghkit/pkg/config/xconf"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
)

// rateLimitPayload /rate_limit 的响应。
type rateLimitPayload struct {
	Resources map[string]rateLimitResource `json:"resources"`
}

type rateLimitResource struct {
	Limit     int   `json:"limit"`
	Used      int   `json:"used"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// timeFormat 表格中的时间格式。
const timeFormat = "2006-01-02 15:04:05"

// renderRateLimits 按资源名排序输出。
func renderRateLimits(w io.Writer, p rateLimitPayload, tokenID string) error {
	table := tablewriter.NewWriter(w)
	table.Header("Resource", "Limit", "Used", "Remaining", "Reset")
	for _, name := range slices.Sorted(maps.Keys(p.Resources)) {
		r := p.Resources[name]
		reset := "-"
		if r.Reset > 0 {
			reset = time.Unix(r.Reset, 0).Format(timeFormat)
		}
		if err := table.Append(name, strconv.Itoa(r.Limit), strconv.Itoa(r.Used), strconv.Itoa(r.Remaining), reset); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if tokenID != "" {
		_, err := fmt.Fprintf(w, "token: %s\n", tokenID)
		return err
	}
	return nil
}

// renderTokens 输出健康快照，不包含 token 值。
func renderTokens(w io.Writer, health []xtoken.Health) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Label", "Kind", "Scopes", "Expires", "Usable", "Success", "Failure", "Error Rate")
	for _, h := range health {
		expires := "never"
		if !h.ExpiresAt.IsZero() {
			expires = h.ExpiresAt.Local().Format(timeFormat)
		}
		usable := "yes"
		if !h.Usable {
			usable = "no"
			if !h.QuarantinedUntil.IsZero() {
				usable = "quarantined until " + h.QuarantinedUntil.Local().Format(timeFormat)
			}
		}
		scopes := strings.Join(h.Scopes, ",")
		if scopes == "" {
			scopes = "-"
		}
		if err := table.Append(
			h.ID, h.Label, h.Kind.String(), scopes, expires, usable,
			strconv.Itoa(h.Success), strconv.Itoa(h.Failure),
			strconv.FormatFloat(h.ErrorRate*100, 'f', 1, 64)+"%",
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// cmdConfigCheck 校验配置文件。无效时逐条输出问题并返回退出码 1。
func cmdConfigCheck(stdout, stderr io.Writer, path string) error {
	cc, err := xconf.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "配置无效: %s\n", path)
		// errors.Join 以换行分隔各个问题
		for line := range strings.SplitSeq(err.Error(), "\n") {
			fmt.Fprintf(stderr, "  - %s\n", line)
		}
		return &exitError{code: 1}
	}

	redisAddr := cc.Cache.Redis.Addr
	if redisAddr == "" {
		redisAddr = "-"
	}
	schedule := cc.Dispatcher.MaintenanceSchedule
	if schedule == "" {
		schedule = "-"
	}
	natsURL := cc.Events.NATSURL
	if natsURL == "" {
		natsURL = "-"
	}
	table := tablewriter.NewWriter(stdout)
	table.Header("Key", "Value")
	rows := [][2]string{
		{"dispatcher.base_url", cc.Dispatcher.BaseURL},
		{"dispatcher.breaker_scope", string(cc.Dispatcher.BreakerScope)},
		{"dispatcher.maintenance_schedule", schedule},
		{"retry.max_retries", strconv.Itoa(cc.Retry.MaxRetries)},
		{"retry.base_delay", cc.Retry.BaseDelay.String()},
		{"breaker.enabled", strconv.FormatBool(cc.Breaker.Enabled)},
		{"tokens.strategy", string(cc.Tokens.Strategy)},
		{"tokens.values", strconv.Itoa(len(cc.Tokens.Values))},
		{"tokens.env.enabled", strconv.FormatBool(cc.Tokens.Env.Enabled)},
		{"tokens.keyring.enabled", strconv.FormatBool(cc.Tokens.Keyring.Enabled)},
		{"tokens.app.enabled", strconv.FormatBool(cc.Tokens.App.Enabled())},
		{"rate_limit.pacer.kind", cc.RateLimit.Pacer.Kind},
		{"cache.enabled", strconv.FormatBool(cc.Cache.Enabled)},
		{"cache.redis.addr", redisAddr},
		{"log.level", cc.Log.Level},
		{"events.nats_url", natsURL},
	}
	for _, r := range rows {
		if err := table.Append(r[0], r[1]); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "配置有效: %s\n", path)
	return err
}
