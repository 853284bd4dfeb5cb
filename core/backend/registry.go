// Package backend 汇总四种存储模式的构造方式，供 storage.Manager 使用。
package backend

import (
	"path/filepath"

	"github.com/dnslin/notevault/core/github"
	"github.com/dnslin/notevault/core/httpclient"
	"github.com/dnslin/notevault/core/localdb"
	"github.com/dnslin/notevault/core/localgit"
	"github.com/dnslin/notevault/core/storage"
)

type options struct {
	dataDir     string
	apiBaseURL  string
	memoryGit   bool
	logger      httpclient.Logger
	httpOptions []httpclient.Option
}

// Option 配置注册表。
type Option func(*options)

// WithDataDir 本地模式的数据目录，数据库与 git 仓库分别位于 db/ 与 git/ 下。
func WithDataDir(dir string) Option {
	return func(o *options) {
		o.dataDir = dir
	}
}

// WithAPIBaseURL 替换远端 API 地址，用于 GitHub Enterprise 或测试。
func WithAPIBaseURL(u string) Option {
	return func(o *options) {
		o.apiBaseURL = u
	}
}

// WithInMemoryGit 本地版本库只保存在内存中。
func WithInMemoryGit() Option {
	return func(o *options) {
		o.memoryGit = true
	}
}

// WithLogger 注入日志。
func WithLogger(logger httpclient.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPOptions 附加给每个远端适配器 HTTP 客户端的选项（重试、限流、超时）。
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(o *options) {
		o.httpOptions = append(o.httpOptions, opts...)
	}
}

// NewRegistry 返回四种模式的工厂。每次调用工厂都得到全新的适配器与 HTTP 客户端，
// 因此 SHA 缓存不会在模式切换之间残留。
func NewRegistry(creds github.CredentialStore, session github.SessionSource, opts ...Option) storage.Registry {
	o := &options{dataDir: ".", logger: httpclient.NopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	remote := func() []github.Option {
		httpOpts := append([]httpclient.Option{httpclient.WithLogger(o.logger)}, o.httpOptions...)
		gh := []github.Option{
			github.WithHTTPClient(httpclient.NewClient(httpOpts...)),
			github.WithLogger(o.logger),
		}
		if o.apiBaseURL != "" {
			gh = append(gh, github.WithBaseURL(o.apiBaseURL))
		}
		return gh
	}

	return storage.Registry{
		storage.ModeRemoteToken: func() storage.Adapter {
			return github.NewTokenAdapter(creds, remote()...)
		},
		storage.ModeRemoteDelegated: func() storage.Adapter {
			return github.NewDelegatedAdapter(session, remote()...)
		},
		storage.ModeLocalDB: func() storage.Adapter {
			return localdb.NewAdapter(
				localdb.WithDataDir(filepath.Join(o.dataDir, "db")),
				localdb.WithLogger(o.logger),
			)
		},
		storage.ModeLocalVersioned: func() storage.Adapter {
			gitOpts := []localgit.Option{
				localgit.WithDataDir(filepath.Join(o.dataDir, "git")),
				localgit.WithLogger(o.logger),
			}
			if o.memoryGit {
				gitOpts = append(gitOpts, localgit.WithInMemory())
			}
			return localgit.NewAdapter(gitOpts...)
		},
	}
}
