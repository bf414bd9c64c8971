package xbreaker

import "math"

// TripPolicy 决定 Closed 状态下的熔断器何时打开。
// counts 只包含计入熔断的结果：调用方取消和非 429 的 4xx 不在其中。
type TripPolicy interface {
	ReadyToTrip(counts Counts) bool
}

// ConsecutiveFailuresPolicy 连续失败达到阈值时打开，一次成功清零。
// 默认策略，对应 failure_threshold。
type ConsecutiveFailuresPolicy struct {
	threshold uint32
}

// NewConsecutiveFailures threshold 为 0 时按 1 处理。
func NewConsecutiveFailures(threshold uint32) *ConsecutiveFailuresPolicy {
	return &ConsecutiveFailuresPolicy{threshold: max(threshold, 1)}
}

func (p *ConsecutiveFailuresPolicy) ReadyToTrip(counts Counts) bool {
	return counts.ConsecutiveFailures >= p.threshold
}

// Threshold 返回阈值。
func (p *ConsecutiveFailuresPolicy) Threshold() uint32 {
	return p.threshold
}

// FailureRatioPolicy 当前窗口内失败占比达到 ratio 时打开。
// 请求数不足 minRequests 时不判定，适合偶发 502 但流量较大的 scope。
type FailureRatioPolicy struct {
	ratio       float64
	minRequests uint32
}

// NewFailureRatio ratio 截断到 [0, 1]。
func NewFailureRatio(ratio float64, minRequests uint32) *FailureRatioPolicy {
	return &FailureRatioPolicy{
		ratio:       min(max(ratio, 0), 1),
		minRequests: minRequests,
	}
}

func (p *FailureRatioPolicy) ReadyToTrip(counts Counts) bool {
	if counts.Requests == 0 || counts.Requests < p.minRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= p.ratio
}

// Ratio 返回失败率阈值。
func (p *FailureRatioPolicy) Ratio() float64 {
	return p.ratio
}

// policyFor 按配置选择策略：设置了 failure_ratio 时按失败率，否则按连续失败。
func policyFor(cfg Config) TripPolicy {
	if cfg.FailureRatio > 0 {
		minRequests := cfg.MinRequests
		if minRequests <= 0 {
			minRequests = cfg.FailureThreshold
		}
		return NewFailureRatio(cfg.FailureRatio, clampUint32(minRequests))
	}
	return NewConsecutiveFailures(clampUint32(cfg.FailureThreshold))
}

func clampUint32(n int) uint32 {
	return uint32(min(max(int64(n), 0), math.MaxUint32))
}
