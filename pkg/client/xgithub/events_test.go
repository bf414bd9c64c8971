package xgithub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"

	"github.com/omeyang/ghkit/pkg/context/xctx"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
	"github.com/omeyang/ghkit/pkg/observability/xmetrics"
)

func TestLogSink(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, cleanup, err := xlog.New().SetOutput(buf).SetFormat("json").SetLevel(xlog.LevelDebug).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	s := NewLogSink(logger)
	s.OnEvent(context.Background(), EventCacheHit, xmetrics.String(AttrRequestKey, "k1"))
	s.OnEvent(context.Background(), EventTokenQuarantined, xmetrics.String(AttrTokenID, "abcd1234"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "DEBUG", first["level"])
	assert.Equal(t, EventCacheHit, first[xlog.KeyEvent])
	assert.Equal(t, "k1", first[AttrRequestKey])
	assert.Equal(t, "WARN", second["level"])
	assert.Equal(t, "abcd1234", second[AttrTokenID])

	// nil logger 不 panic
	NewLogSink(nil).OnEvent(context.Background(), EventCacheMiss)
}

func TestMetricsSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	s, err := NewMetricsSink(xmetrics.WithMeterProvider(mp))
	require.NoError(t, err)

	ctx := context.Background()
	s.OnEvent(ctx, EventRateLimitSecondary,
		xmetrics.String(AttrResource, "core@abcd1234"),
		xmetrics.String(AttrRequestKey, "GET /user"),
	)
	s.OnEvent(ctx, EventRateLimitSecondary, xmetrics.String(AttrResource, "core@ffff0000"))
	s.OnEvent(ctx, EventRequestFailure, xmetrics.Int(AttrStatus, 503))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var sum metricdata.Sum[int64]
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "ghkit.event.total" {
				sum, found = m.Data.(metricdata.Sum[int64])
			}
		}
	}
	require.True(t, found)

	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		ev, _ := dp.Attributes.Value(attribute.Key("event"))
		_, hasKey := dp.Attributes.Value(attribute.Key(AttrRequestKey))
		assert.False(t, hasKey, "high cardinality attribute leaked into labels")
		if ev.AsString() == EventRateLimitSecondary {
			res, _ := dp.Attributes.Value(attribute.Key(AttrResource))
			assert.Equal(t, "core", res.AsString())
		}
		counts[ev.AsString()] += dp.Value
	}
	assert.Equal(t, int64(2), counts[EventRateLimitSecondary])
	assert.Equal(t, int64(1), counts[EventRequestFailure])
}

func TestMultiSink(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := NewMockEventSink(ctrl)
	b := NewMockEventSink(ctrl)
	a.EXPECT().OnEvent(gomock.Any(), EventCacheHit, gomock.Any()).Times(1)
	b.EXPECT().OnEvent(gomock.Any(), EventCacheHit, gomock.Any()).Times(1)

	MultiSink{a, nil, b}.OnEvent(context.Background(), EventCacheHit, xmetrics.String(AttrRequestKey, "k"))
}

func TestSinkFunc(t *testing.T) {
	var got string
	SinkFunc(func(_ context.Context, name string, _ ...xmetrics.Attr) { got = name }).
		OnEvent(context.Background(), EventDedupShared)
	assert.Equal(t, EventDedupShared, got)
	NoopSink{}.OnEvent(context.Background(), EventDedupShared)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]byte
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = make(map[string][]byte)
	}
	p.msgs[subject] = data
	return nil
}

func TestNATSSink(t *testing.T) {
	_, err := NewNATSSink(nil, "")
	require.Error(t, err)

	pub := &fakePublisher{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := NewNATSSink(pub, "", WithNATSClock(func() time.Time { return at }))
	require.NoError(t, err)

	ctx, err := xctx.WithRequestID(context.Background(), "req-9")
	require.NoError(t, err)
	s.OnEvent(ctx, EventRequestRetry,
		xmetrics.Int(AttrAttempt, 2),
		xmetrics.Duration(AttrDuration, 1500*time.Millisecond),
		xmetrics.Attr{Key: AttrError, Value: errors.New("boom")},
		xmetrics.Attr{Key: AttrUntil, Value: at.Add(time.Minute)},
	)

	data, ok := pub.msgs[DefaultNATSSubject+"."+EventRequestRetry]
	require.True(t, ok)
	var ev struct {
		Name      string         `json:"name"`
		Time      time.Time      `json:"time"`
		RequestID string         `json:"request_id"`
		Attrs     map[string]any `json:"attrs"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventRequestRetry, ev.Name)
	assert.True(t, at.Equal(ev.Time))
	assert.Equal(t, "req-9", ev.RequestID)
	assert.InDelta(t, 2, ev.Attrs[AttrAttempt], 0)
	assert.Equal(t, "1.5s", ev.Attrs[AttrDuration])
	assert.Equal(t, "boom", ev.Attrs[AttrError])
	assert.Equal(t, "2026-01-02T03:05:05Z", ev.Attrs[AttrUntil])
}

func TestNATSSink_PublishErrorIsLogged(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, cleanup, err := xlog.New().SetOutput(buf).SetFormat("json").Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	s, err := NewNATSSink(&fakePublisher{err: errors.New("nats: connection closed")}, "ci.events", WithNATSLogger(logger))
	require.NoError(t, err)
	s.OnEvent(context.Background(), EventCacheMiss)
	assert.Contains(t, buf.String(), "publish event failed")
	assert.Contains(t, buf.String(), "connection closed")
}
