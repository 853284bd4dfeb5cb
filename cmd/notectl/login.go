package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/dnslin/notevault/core/storage"
)

func newLoginCmd(c *cli) *cobra.Command {
	var (
		owner   string
		repo    string
		branch  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "通过授权中转服务登录并切换到 remote-delegated 模式",
		Long: `在本机监听 --redirect-uri 指定的回调地址，输出授权页链接，
浏览器完成授权后自动换取令牌并切换存储模式。

访问令牌只保存在本进程内存中。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if a.opts.authURL == "" {
				return fmt.Errorf("未设置授权中转服务地址（--auth-url 或 NOTEVAULT_AUTH_URL）")
			}
			redirect, err := url.Parse(a.opts.redirectURI)
			if err != nil || redirect.Host == "" {
				return fmt.Errorf("回调地址非法: %q", a.opts.redirectURI)
			}

			ctx, stop := signalContext(commandContext(cmd))
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			listener, err := net.Listen("tcp", redirect.Host)
			if err != nil {
				return fmt.Errorf("监听回调地址失败: %w", err)
			}
			done := make(chan error, 1)
			path := redirect.Path
			if path == "" {
				path = "/"
			}
			router := chi.NewRouter()
			router.Use(chimw.Recoverer)
			router.Get(path, func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				var err error
				if e := q.Get("error"); e != "" {
					err = fmt.Errorf("授权被拒绝: %s", e)
				} else {
					err = a.session.HandleCallback(r.Context(), q.Get("code"), q.Get("state"))
				}
				if err != nil {
					http.Error(w, "登录失败，请回到终端查看详情", http.StatusBadRequest)
				} else {
					fmt.Fprintln(w, "登录成功，可以关闭此页面。")
				}
				select {
				case done <- err:
				default:
				}
			})
			srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
			go srv.Serve(listener)
			defer srv.Close()

			target, err := a.session.Login(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "在浏览器中打开以下链接完成授权：\n\n  %s\n\n", target)

			select {
			case err := <-done:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return fmt.Errorf("等待授权超时: %w", ctx.Err())
			}

			if user, err := a.session.Verify(ctx); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("已登录"), user.Login)
			} else {
				a.logger.Debugf("校验令牌失败: %v", err)
			}

			if owner == "" && repo == "" {
				return nil
			}
			cfg := storage.DelegatedConfig{Owner: owner, Repo: repo, Branch: branch}
			if _, err := a.manager.SwitchMode(ctx, cfg); err != nil {
				return err
			}
			printModeInfo(cmd.OutOrStdout(), a.manager.ModeInfo())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&owner, "owner", "", "切换到 remote-delegated 时的仓库所有者")
	f.StringVar(&repo, "repo", "", "切换到 remote-delegated 时的仓库名")
	f.StringVar(&branch, "branch", storage.DefaultBranch, "远端分支")
	f.DurationVar(&timeout, "timeout", 5*time.Minute, "等待授权的最长时间")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "吊销委托授权会话",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if err := a.session.Logout(commandContext(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("已退出登录"))
			return nil
		},
	}
}

// signalContext 在收到中断信号时取消。
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
