package xgithub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/omeyang/ghkit/pkg/context/xctx"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
)

// DefaultNATSSubject 默认主题前缀，事件发布到 <prefix>.<event>。
const DefaultNATSSubject = "ghkit.events"

// Publisher 发布原始消息，*nats.Conn 满足该接口。
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// natsEvent 发布到 NATS 的事件体。
type natsEvent struct {
	Name      string         `json:"name"`
	Time      time.Time      `json:"time"`
	RequestID string         `json:"request_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// NATSSink 把事件以 JSON 发布到 NATS。发布失败只记日志。
type NATSSink struct {
	pub     Publisher
	subject string
	logger  xlog.Logger
	now     func() time.Time
}

// NATSOption NATSSink 选项。
type NATSOption func(*NATSSink)

// WithNATSLogger 设置发布失败时的日志。
func WithNATSLogger(l xlog.Logger) NATSOption {
	return func(s *NATSSink) { s.logger = xlog.OrDiscard(l) }
}

// WithNATSClock 注入时钟。
func WithNATSClock(now func() time.Time) NATSOption {
	return func(s *NATSSink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewNATSSink 创建 NATS sink。subject 为空时使用 DefaultNATSSubject。
func NewNATSSink(pub Publisher, subject string, opts ...NATSOption) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("xgithub: nil nats publisher")
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	s := &NATSSink{pub: pub, subject: subject, logger: xlog.Discard(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ConnectNATS 连接 NATS 并创建 sink，返回的 close 会 Drain 连接。
func ConnectNATS(url, subject string, connOpts []nats.Option, opts ...NATSOption) (*NATSSink, func() error, error) {
	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, nil, err
	}
	s, err := NewNATSSink(nc, subject, opts...)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return s, nc.Drain, nil
}

// OnEvent 发布事件。
func (s *NATSSink) OnEvent(ctx context.Context, name string, attrs ...xmetrics.Attr) {
	ev := natsEvent{Name: name, Time: s.now().UTC(), RequestID: xctx.RequestID(ctx)}
	if len(attrs) > 0 {
		ev.Attrs = make(map[string]any, len(attrs))
		for _, a := range attrs {
			ev.Attrs[a.Key] = eventValue(a.Value)
		}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn(ctx, "marshal event failed", xlog.Event(name), xlog.Err(err))
		return
	}
	if err := s.pub.Publish(s.subject+"."+name, data); err != nil {
		s.logger.Warn(ctx, "publish event failed", xlog.Event(name), xlog.Err(err))
	}
}
