package xgithub

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/ghkit/pkg/storage/xrespcache"
)

const metricsComponent = "xgithub"

// DefaultGraphQLPath GraphQL 端点，相对于 BaseURL。
const DefaultGraphQLPath = "/graphql"

// DefaultMaintenanceSchedule 默认维护周期。
const DefaultMaintenanceSchedule = "@every 30s"

// BreakerScope 熔断隔离粒度。
type BreakerScope string

const (
	// BreakerScopeToken 每个 token 一个熔断器。
	BreakerScopeToken BreakerScope = "token"
	// BreakerScopeResource 每个限流资源一个熔断器。
	BreakerScopeResource BreakerScope = "resource"
	// BreakerScopeGlobal 全局一个熔断器。
	BreakerScopeGlobal BreakerScope = "global"
)

// IsValid 检查取值。
func (s BreakerScope) IsValid() bool {
	switch s {
	case BreakerScopeToken, BreakerScopeResource, BreakerScopeGlobal:
		return true
	default:
		return false
	}
}

// Config 调度器配置。
type Config struct {
	BaseURL    string `koanf:"base_url"`
	UserAgent  string `koanf:"user_agent"`
	APIVersion string `koanf:"api_version"`
	// Timeout 单次网络尝试超时，与调用方取消无关。
	Timeout time.Duration `koanf:"timeout"`
	// GraphQLPath GraphQL 端点。
	GraphQLPath string `koanf:"graphql_path"`

	BreakerScope BreakerScope `koanf:"breaker_scope"`

	// MaintenanceSchedule cron 表达式，驱动缓存淘汰、隔离到期释放和 token 刷新。
	// 空串关闭后台维护。
	MaintenanceSchedule string `koanf:"maintenance_schedule"`

	// DefaultPriority 未指定优先级时的缓存优先级。
	DefaultPriority xrespcache.Priority `koanf:"default_priority"`
	// BackgroundRefresh 缓存条目接近过期时后台条件刷新。
	BackgroundRefresh bool `koanf:"background_refresh"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		BaseURL:             DefaultBaseURL,
		UserAgent:           DefaultUserAgent,
		APIVersion:          DefaultAPIVersion,
		Timeout:             DefaultTimeout,
		GraphQLPath:         DefaultGraphQLPath,
		BreakerScope:        BreakerScopeToken,
		MaintenanceSchedule: DefaultMaintenanceSchedule,
		DefaultPriority:     xrespcache.PriorityMedium,
		BackgroundRefresh:   true,
	}
}

// Validate 校验配置，返回全部问题。
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: base_url is empty", ErrInvalidConfig))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidConfig, c.Timeout))
	}
	if !c.BreakerScope.IsValid() {
		errs = append(errs, fmt.Errorf("%w: unknown breaker_scope %q", ErrInvalidConfig, c.BreakerScope))
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			errs = append(errs, fmt.Errorf("%w: maintenance_schedule: %w", ErrInvalidConfig, err))
		}
	}
	switch c.DefaultPriority {
	case xrespcache.PriorityLow, xrespcache.PriorityMedium, xrespcache.PriorityHigh:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown default_priority %d", ErrInvalidConfig, c.DefaultPriority))
	}
	return errors.Join(errs...)
}
