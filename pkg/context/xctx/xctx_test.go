package xctx

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAndRead(t *testing.T) {
	ctx := context.Background()
	var err error

	ctx, err = WithTraceID(ctx, "t1")
	require.NoError(t, err)
	ctx, err = WithSpanID(ctx, "s1")
	require.NoError(t, err)
	ctx, err = WithRequestID(ctx, "r1")
	require.NoError(t, err)
	ctx, err = WithRequestKey(ctx, "k1")
	require.NoError(t, err)
	ctx, err = WithTokenID(ctx, "tok1")
	require.NoError(t, err)
	ctx, err = WithResource(ctx, "core")
	require.NoError(t, err)

	assert.Equal(t, "t1", TraceID(ctx))
	assert.Equal(t, "s1", SpanID(ctx))
	assert.Equal(t, "r1", RequestID(ctx))
	assert.Equal(t, "k1", RequestKey(ctx))
	assert.Equal(t, "tok1", TokenID(ctx))
	assert.Equal(t, "core", Resource(ctx))
}

func TestNilContext(t *testing.T) {
	//nolint:staticcheck // 测试 nil ctx 行为
	_, err := WithRequestID(nil, "x")
	assert.ErrorIs(t, err, ErrNilContext)

	//nolint:staticcheck // 测试 nil ctx 行为
	assert.Empty(t, RequestID(nil))
	//nolint:staticcheck // 测试 nil ctx 行为
	assert.Nil(t, Attrs(nil))
}

func TestAttrs(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.Nil(t, Attrs(context.Background()))
	})

	t.Run("OnlyNonEmpty", func(t *testing.T) {
		ctx, _ := WithRequestID(context.Background(), "r1")
		ctx, _ = WithResource(ctx, "graphql")

		attrs := Attrs(ctx)
		require.Len(t, attrs, 2)
		assert.Equal(t, slog.String(KeyRequestID, "r1"), attrs[0])
		assert.Equal(t, slog.String(KeyResource, "graphql"), attrs[1])
	})
}
