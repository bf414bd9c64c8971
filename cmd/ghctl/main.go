// ghctl 是 ghkit 客户端的命令行工具，用于手工调用 GitHub API 和检查客户端状态。
//
// 用法:
//
//	ghctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config    配置文件（YAML/JSON），默认使用内置默认值
//	-t, --token     token，可重复；格式 value 或 value@scope1|scope2
//	    --env-file  读取 GITHUB_TOKENS 的 .env 文件，可重复 (默认: .env)
//	    --keyring   从系统密钥环的该服务读取 token
//	    --base-url  覆盖 API 地址，例如 GitHub Enterprise
//	    --timeout   命令超时时间 (默认: 30s)
//	    --no-cache  关闭响应缓存
//
// 命令:
//
//	get <path>            GET 请求，输出响应体
//	graphql <query>       GraphQL 查询，query 可以是 @file 或 -（标准输入）
//	rate-limit            查询 /rate_limit 并以表格输出
//	tokens                输出 token 健康状态表
//	config check <file>   校验配置文件
//
// 退出码:
//
//	0: 成功
//	1: 请求失败或配置无效
//	2: 参数错误
//
// 示例:
//
//	ghctl -t ghp_xxx get /repos/golang/go
//	ghctl get /search/issues -q 'q=repo:golang/go is:open' -q per_page=5
//	ghctl graphql 'query { viewer { login } }'
//	ghctl graphql @query.graphql -v owner=golang -v first=10
//	GITHUB_TOKENS=ghp_a,ghp_b ghctl rate-limit
//	ghctl config check ghkit.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

// defaultTimeout 默认命令超时时间。
const defaultTimeout = 30 * time.Second

// 版本信息，通过 -ldflags "-X main.Version=..." 注入。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// createApp 创建 CLI 应用。
func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "ghctl",
		Usage:     "GitHub API 命令行客户端（重试、熔断、token 轮换、缓存）",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（.yaml/.yml/.json）",
				Sources: cli.EnvVars("GHCTL_CONFIG"),
			},
			&cli.StringSliceFlag{
				Name:    "token",
				Aliases: []string{"t"},
				Usage:   "token，可重复；格式 value 或 value@scope1|scope2",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "读取 token 变量的 .env 文件，可重复",
				Value: []string{".env"},
			},
			&cli.StringFlag{
				Name:  "keyring",
				Usage: "从系统密钥环的该服务读取 token",
			},
			&cli.StringFlag{
				Name:  "keyring-user",
				Usage: "密钥环条目的用户名",
				Value: "default",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "API 地址，覆盖配置文件",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "命令超时时间",
				Value: defaultTimeout,
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "关闭响应缓存",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "同时把事件发布到 NATS，覆盖 events.nats_url",
				Sources: cli.EnvVars("GHCTL_NATS_URL"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "日志级别 (debug/info/warn/error)，日志写到 stderr",
				Value: "warn",
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		// 禁止 urfave/cli 直接调用 os.Exit，由 run 统一映射退出码
		ExitErrHandler: func(_ context.Context, cmd *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(cmd.Root().ErrWriter, err)
			}
		},
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	app := createApp(stdout, stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	if err := app.Run(ctx, args); err != nil {
		return exitCode(err, stderr)
	}
	return 0
}

// exitCode 把命令错误映射为退出码，并输出需要的提示。
func exitCode(err error, stderr io.Writer) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	if isCLIUsageError(err) {
		// flag 解析器已输出详情
		return 2
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return 1
}

// setupSignalHandler 第一次信号取消命令，第二次强制退出（130 = 128 + SIGINT）。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}
