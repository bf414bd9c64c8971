package main

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest 客户端的空闲连接
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
