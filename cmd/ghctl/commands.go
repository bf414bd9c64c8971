package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/ghkit/pkg/client/xgithub"
)

// exitError 命令已完成输出，只需要设置退出码。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 参数错误，退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// isCLIUsageError 判断 urfave/cli 和 flag 包产生的参数错误。
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, p := range []string{
		"flag provided but not defined",
		"invalid value",
		"flag needs an argument",
		"Required flag",
		"No help topic",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// createCommands 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createGetCommand(),
		createGraphQLCommand(),
		createRateLimitCommand(),
		createTokensCommand(),
		createConfigCommand(),
	}
}

func createGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "GET 请求，输出响应体",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "查询参数 key=value，可重复",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "请求头 'Name: value'，可重复",
			},
			&cli.StringSliceFlag{
				Name:  "scope",
				Usage: "要求 token 具备的 scope，可重复",
			},
			&cli.BoolFlag{
				Name:    "include",
				Aliases: []string{"i"},
				Usage:   "在 stderr 输出状态码、token 和缓存信息",
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "不格式化 JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return &usageError{msg: "get 需要且只需要一个 path 参数"}
			}
			req, err := buildGetRequest(cmd.Args().First(), cmd.StringSlice("query"), cmd.StringSlice("header"))
			if err != nil {
				return err
			}
			return withClient(ctx, cmd, func(ctx context.Context, c *xgithub.Client) error {
				resp, err := c.Do(ctx, req, xgithub.WithScopes(cmd.StringSlice("scope")...))
				if err != nil {
					return err
				}
				if cmd.Bool("include") {
					printMeta(errWriter(cmd), resp)
				}
				return writeBody(outWriter(cmd), resp.Body, cmd.Bool("raw"))
			})
		},
	}
}

func createGraphQLCommand() *cli.Command {
	return &cli.Command{
		Name:      "graphql",
		Aliases:   []string{"gql"},
		Usage:     "GraphQL 查询",
		ArgsUsage: "<query | @file | ->",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "var",
				Aliases: []string{"v"},
				Usage:   "变量 name=value，value 是合法 JSON 时按 JSON 解析，可重复",
			},
			&cli.BoolFlag{
				Name:  "cache",
				Usage: "缓存查询结果（只读查询）",
			},
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "不格式化 JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return &usageError{msg: "graphql 需要且只需要一个 query 参数"}
			}
			query, err := readQuery(cmd.Args().First(), cmd.Root().Reader)
			if err != nil {
				return err
			}
			vars, err := parseVariables(cmd.StringSlice("var"))
			if err != nil {
				return err
			}
			var opts []xgithub.ExecuteOption
			if cmd.Bool("cache") {
				opts = append(opts, xgithub.ForceCache())
			}
			return withClient(ctx, cmd, func(ctx context.Context, c *xgithub.Client) error {
				resp, err := c.GraphQL(ctx, query, vars, opts...)
				if err != nil {
					return err
				}
				return writeBody(outWriter(cmd), resp.Body, cmd.Bool("raw"))
			})
		},
	}
}

func createRateLimitCommand() *cli.Command {
	return &cli.Command{
		Name:    "rate-limit",
		Aliases: []string{"rl"},
		Usage:   "查询 /rate_limit 并以表格输出",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withClient(ctx, cmd, func(ctx context.Context, c *xgithub.Client) error {
				resp, err := c.Get(ctx, "/rate_limit", xgithub.SkipCache())
				if err != nil {
					return err
				}
				var payload rateLimitPayload
				if err := resp.JSON(&payload); err != nil {
					return err
				}
				return renderRateLimits(outWriter(cmd), payload, resp.TokenID)
			})
		},
	}
}

func createTokensCommand() *cli.Command {
	return &cli.Command{
		Name:  "tokens",
		Usage: "输出 token 健康状态表",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			built, err := openClient(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer built.Close()
			return renderTokens(outWriter(cmd), built.Client.TokenHealth())
		},
	}
}

func createConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "配置文件工具",
		Commands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "校验配置文件并输出生效值",
				ArgsUsage: "<file>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return &usageError{msg: "config check 需要一个文件参数"}
					}
					return cmdConfigCheck(outWriter(cmd), errWriter(cmd), cmd.Args().First())
				},
			},
		},
	}
}

// withClient 在命令超时内组装客户端并执行 fn，结束后释放。
func withClient(ctx context.Context, cmd *cli.Command, fn func(context.Context, *xgithub.Client) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	built, err := openClient(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, built.Close()) }()
	return fn(ctx, built.Client)
}

// buildGetRequest 组装 GET 请求。path 可以带查询串，-q 的参数追加在后面。
func buildGetRequest(path string, query, headers []string) (*xgithub.Request, error) {
	req := xgithub.NewRequest(http.MethodGet, path)
	if len(query) > 0 {
		req.Query = url.Values{}
		for _, kv := range query {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, &usageError{msg: fmt.Sprintf("无效的查询参数 %q，应为 key=value", kv)}
			}
			req.Query.Add(k, v)
		}
	}
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, &usageError{msg: fmt.Sprintf("无效的请求头 %q，应为 'Name: value'", h)}
		}
		req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return req, nil
}

// readQuery 支持直接传入、@file 和 -（标准输入）。
func readQuery(arg string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return "", fmt.Errorf("读取查询失败: %w", err)
	}
	q := strings.TrimSpace(string(data))
	if q == "" {
		return "", &usageError{msg: "查询为空"}
	}
	return q, nil
}

// parseVariables 解析 name=value，value 是合法 JSON 时保留类型。
func parseVariables(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, &usageError{msg: fmt.Sprintf("无效的变量 %q，应为 name=value", p)}
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			vars[k] = decoded
			continue
		}
		vars[k] = v
	}
	return vars, nil
}

// writeBody 输出响应体，JSON 默认缩进。
func writeBody(w io.Writer, body []byte, raw bool) error {
	if !raw && json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			body = buf.Bytes()
		}
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func printMeta(w io.Writer, resp *xgithub.Response) {
	fmt.Fprintf(w, "状态: %d\n", resp.StatusCode)
	if resp.TokenID != "" {
		fmt.Fprintf(w, "token: %s\n", resp.TokenID)
	}
	fmt.Fprintf(w, "尝试: %d  缓存: %t  重新校验: %t\n", resp.Attempts, resp.FromCache, resp.Revalidated)
	for _, h := range []string{"X-RateLimit-Resource", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if v := resp.Header.Get(h); v != "" {
			fmt.Fprintf(w, "%s: %s\n", h, v)
		}
	}
}
