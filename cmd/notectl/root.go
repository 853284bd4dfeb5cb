package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnslin/notevault/core/auth"
	"github.com/dnslin/notevault/core/backend"
	"github.com/dnslin/notevault/core/credential"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/storage"
	"github.com/dnslin/notevault/core/store"
)

var version = "dev"

// globalOptions 全局参数，默认值来自 NOTEVAULT_* 环境变量。
type globalOptions struct {
	prefsPath   string
	dataDir     string
	verbose     bool
	retries     int
	qps         float64
	apiURL      string
	authURL     string
	clientID    string
	redirectURI string
}

// app 一次命令执行期间共享的依赖。
type app struct {
	opts    *globalOptions
	logger  *slogLogger
	prefs   *store.FilePreferences
	creds   *credential.Store
	session *auth.Handler
	manager *storage.Manager
}

// cli 延迟构建 app，使 --help 等命令无需打开任何存储。
type cli struct {
	opts *globalOptions
	app  *app
}

func newRootCmd() *cobra.Command {
	defaultPrefs, err := store.DefaultPath()
	if err != nil {
		defaultPrefs = "notevault-prefs.toml"
	}
	c := &cli{opts: &globalOptions{}}

	root := &cobra.Command{
		Use:   "notectl",
		Short: "在多种存储后端之间管理 Markdown 笔记",
		Long: `notectl 通过统一的存储门面读写笔记，支持四种模式：

  remote-token      使用个人访问令牌读写远端仓库
  remote-delegated  通过授权中转服务获取短期令牌
  local-db          本机 SQLite 数据库
  local-versioned   本机 git 仓库，每次保存都是一次提交

快速开始:
  notectl init --mode local-db
  echo "# Hello" | notectl put journals/2024_01_01.md
  notectl ls journals`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.prefsPath, "prefs", envOr("NOTEVAULT_PREFS", defaultPrefs), "偏好文件路径")
	flags.StringVar(&c.opts.dataDir, "data-dir", envOr("NOTEVAULT_DATA_DIR", ""), "本地模式数据目录（默认与偏好文件同目录）")
	flags.BoolVarP(&c.opts.verbose, "verbose", "v", false, "输出调试日志")
	flags.IntVar(&c.opts.retries, "retries", envInt("NOTEVAULT_RETRIES", 0), "远端请求失败时的最大重试次数（默认不重试）")
	flags.Float64Var(&c.opts.qps, "qps", envFloat("NOTEVAULT_QPS", 0), "远端请求每秒上限，0 表示不限流")
	flags.StringVar(&c.opts.apiURL, "api-url", envOr("NOTEVAULT_API_URL", ""), "远端 API 地址")
	flags.StringVar(&c.opts.authURL, "auth-url", envOr("NOTEVAULT_AUTH_URL", ""), "授权中转服务地址")
	flags.StringVar(&c.opts.clientID, "client-id", envOr("NOTEVAULT_CLIENT_ID", ""), "OAuth 应用 client id")
	flags.StringVar(&c.opts.redirectURI, "redirect-uri", envOr("NOTEVAULT_REDIRECT_URI", "http://127.0.0.1:8765/callback"), "授权回调地址")

	root.AddCommand(
		newInitCmd(c),
		newModeCmd(c),
		newGetCmd(c),
		newPutCmd(c),
		newPushCmd(c),
		newRmCmd(c),
		newLsCmd(c),
		newLogCmd(c),
		newWatchCmd(c),
		newExportCmd(c),
		newImportCmd(c),
		newLoginCmd(c),
		newLogoutCmd(c),
		newResetCmd(c),
	)
	return root
}

// open 构建依赖；不初始化存储。
func (c *cli) open(cmd *cobra.Command) (*app, error) {
	if c.app != nil {
		return c.app, nil
	}
	o := c.opts
	logger := newLogger(cmd.ErrOrStderr(), o.verbose)

	prefs, err := store.OpenFilePreferences(o.prefsPath)
	if err != nil {
		return nil, err
	}
	dataDir := o.dataDir
	if dataDir == "" {
		dataDir = filepath.Join(filepath.Dir(prefs.Path()), "data")
	}

	creds := credential.NewStore(prefs, credential.WithLogger(logger))

	var httpOpts []httpclient.Option
	if o.retries > 0 {
		cfg := httpclient.DefaultRetryConfig()
		cfg.MaxRetries = o.retries
		cfg.Logger = logger
		httpOpts = append(httpOpts, httpclient.WithRetryPolicy(httpclient.NewExponentialBackoffRetry(cfg)))
	}
	if o.qps > 0 {
		burst := int(o.qps)
		if burst < 1 {
			burst = 1
		}
		httpOpts = append(httpOpts, httpclient.WithRateLimiter(httpclient.NewTokenBucketLimiter(o.qps, burst, nil)))
	}

	// 授权中转客户端独占一个 CookieJar 保存续期 Cookie
	authClient := httpclient.NewClient(append([]httpclient.Option{
		httpclient.WithLogger(logger),
		httpclient.WithTimeout(30 * time.Second),
	}, httpOpts...)...)
	session := auth.NewHandler(
		auth.NewIntermediary(authClient, o.authURL),
		auth.WithClientID(o.clientID),
		auth.WithRedirectURI(o.redirectURI),
		auth.WithLogger(logger),
	)

	regOpts := []backend.Option{
		backend.WithDataDir(dataDir),
		backend.WithLogger(logger),
		backend.WithHTTPOptions(append([]httpclient.Option{httpclient.WithTimeout(30 * time.Second)}, httpOpts...)...),
	}
	if o.apiURL != "" {
		regOpts = append(regOpts, backend.WithAPIBaseURL(o.apiURL))
	}
	manager := storage.NewManager(prefs, backend.NewRegistry(creds, session, regOpts...),
		storage.WithCredentials(creds),
		storage.WithLogger(logger),
	)

	c.app = &app{
		opts:    o,
		logger:  logger,
		prefs:   prefs,
		creds:   creds,
		session: session,
		manager: manager,
	}
	return c.app, nil
}

// ready 打开依赖并按已保存的配置初始化存储。
func (c *cli) ready(cmd *cobra.Command) (*app, error) {
	a, err := c.open(cmd)
	if err != nil {
		return nil, err
	}
	if a.manager.IsConfigured() {
		return a, nil
	}
	ok, err := a.manager.Initialize(commandContext(cmd), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("尚未配置存储，请先运行 notectl init")
	}
	return a, nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.manager.Close()
	c.app = nil
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
