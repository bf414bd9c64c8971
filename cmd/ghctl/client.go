package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/ghkit/pkg/config/xconf"
	"github.com/omeyang/ghkit/pkg/credential/xtoken"
	"github.com/omeyang/ghkit/pkg/observability/xlog"
)

// errNoToken 所有来源都没有 token。
var errNoToken = errors.New("未找到 token：使用 --token、GITHUB_TOKENS 环境变量、.env 文件或 --keyring 提供")

// loadConfig 读取 --config，再用命令行参数覆盖。
func loadConfig(cmd *cli.Command) (xconf.ClientConfig, error) {
	cc := xconf.DefaultClientConfig()
	if path := cmd.String("config"); path != "" {
		loaded, err := xconf.Load(path)
		if err != nil {
			return xconf.ClientConfig{}, err
		}
		cc = loaded
	}

	if u := cmd.String("base-url"); u != "" {
		cc.Dispatcher.BaseURL = u
	}
	// 单次进程不需要定时维护和后台刷新
	cc.Dispatcher.MaintenanceSchedule = ""
	cc.Cache.RefreshFraction = 0
	if cmd.Bool("no-cache") {
		cc.Cache.Enabled = false
	}
	if u := cmd.String("nats-url"); u != "" {
		cc.Events.NATSURL = u
	}
	if cmd.IsSet("env-file") || cc.Tokens.Env.Enabled {
		cc.Tokens.Env.Enabled = true
		cc.Tokens.Env.Files = append(cc.Tokens.Env.Files, cmd.StringSlice("env-file")...)
	}
	if svc := cmd.String("keyring"); svc != "" {
		cc.Tokens.Keyring = xconf.KeyringConfig{Enabled: true, Service: svc, User: cmd.String("keyring-user")}
	}
	return cc, cc.Validate()
}

// flagTokens 解析所有 --token。
func flagTokens(cmd *cli.Command) []xtoken.Token {
	var out []xtoken.Token
	for _, v := range cmd.StringSlice("token") {
		for _, t := range xtoken.ParseTokenList(v) {
			t.Label = "flag"
			out = append(out, t)
		}
	}
	return out
}

// openClient 按参数组装客户端。requireToken 为 true 时没有 token 直接报错。
func openClient(ctx context.Context, cmd *cli.Command, requireToken bool) (*xconf.Built, error) {
	cc, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// 输出到 stderr，没有需要关闭的资源
	logger, _, err := xlog.New().
		SetOutput(errWriter(cmd)).
		SetLevelString(cmd.String("log-level")).
		Build()
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}

	built, err := cc.Build(ctx, xconf.WithLogger(logger), xconf.WithTokens(flagTokens(cmd)...))
	if err != nil {
		return nil, err
	}
	if requireToken && len(built.Client.TokenHealth()) == 0 {
		return nil, errors.Join(errNoToken, built.Close())
	}
	return built, nil
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
