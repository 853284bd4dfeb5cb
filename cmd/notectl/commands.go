package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnslin/notevault/core/backup"
	coreerrors "github.com/dnslin/notevault/core/errors"
	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/storage"
	"github.com/dnslin/notevault/core/task"
)

func newInitCmd(c *cli) *cobra.Command {
	var (
		mode      string
		owner     string
		repo      string
		branch    string
		token     string
		name      string
		author    string
		email     string
		repoName  string
		remoteURL string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "选择存储模式并保存配置",
		Long: `切换到指定的存储模式。失败时保持原有模式与配置不变。

令牌模式的令牌从 --token 或 NOTEVAULT_TOKEN 读取，只以加密形式保存。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := storage.ParseMode(mode)
			if err != nil {
				return err
			}
			var cfg storage.Config
			switch m {
			case storage.ModeRemoteToken:
				cfg = storage.TokenConfig{Token: token, Owner: owner, Repo: repo, Branch: branch}
			case storage.ModeRemoteDelegated:
				cfg = storage.DelegatedConfig{Owner: owner, Repo: repo, Branch: branch}
			case storage.ModeLocalDB:
				cfg = storage.LocalDBConfig{Name: name}
			case storage.ModeLocalVersioned:
				cfg = storage.VersionedConfig{Author: author, Email: email, RepoName: repoName, RemoteURL: remoteURL}
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			if _, err := a.manager.SwitchMode(commandContext(cmd), cfg); err != nil {
				return err
			}
			printModeInfo(cmd.OutOrStdout(), a.manager.ModeInfo())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "mode", string(storage.ModeLocalDB), "存储模式")
	f.StringVar(&owner, "owner", "", "远端仓库所有者")
	f.StringVar(&repo, "repo", "", "远端仓库名")
	f.StringVar(&branch, "branch", storage.DefaultBranch, "远端分支")
	f.StringVar(&token, "token", envOr("NOTEVAULT_TOKEN", ""), "个人访问令牌")
	f.StringVar(&name, "name", "", "本地数据库名")
	f.StringVar(&author, "author", envOr("NOTEVAULT_AUTHOR", ""), "本地版本库提交者")
	f.StringVar(&email, "email", envOr("NOTEVAULT_EMAIL", ""), "本地版本库提交者邮箱")
	f.StringVar(&repoName, "repo-name", "", "本地版本库目录名")
	f.StringVar(&remoteURL, "remote", "", "登记为 origin 的远端地址")
	return cmd
}

func newModeCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "显示当前存储模式",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			// 未配置时展示占位信息而不是报错
			if _, err := a.manager.Initialize(commandContext(cmd), nil); err != nil {
				a.logger.Errorf("初始化存储失败: %v", err)
			}
			info := a.manager.ModeInfo()
			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), format, info)
			}
			printModeInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "输出格式：text、json、yaml")
	return cmd
}

func newGetCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "读取笔记内容",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			file, err := a.manager.GetFile(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if file == nil {
				return coreerrors.Newf(coreerrors.ErrCodeNotFound, "%s 不存在", args[0])
			}
			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), format, file)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), file.Content)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "输出格式：text 仅输出内容，json/yaml 附带版本号")
	return cmd
}

func newPutCmd(c *cli) *cobra.Command {
	var (
		message string
		sha     string
	)
	cmd := &cobra.Command{
		Use:   "put <path> [local-file]",
		Short: "写入笔记，内容来自本地文件或标准输入",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 2 {
				data, err = os.ReadFile(args[1])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			file, err := a.manager.PutFile(commandContext(cmd), args[0], string(data), message, sha)
			if err != nil {
				if coreerrors.IsConflict(err) {
					return fmt.Errorf("%w\n远端内容已变化，请先 notectl get 获取最新版本", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", okStyle.Render("已保存"), file.Path, dimStyle.Render(file.SHA))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "提交说明")
	cmd.Flags().StringVar(&sha, "sha", "", "期望的当前版本号，不一致时拒绝写入")
	return cmd
}

func newPushCmd(c *cli) *cobra.Command {
	var (
		prefix     string
		message    string
		ext        string
		concurrent int
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "push <local-dir>",
		Short: "把本地目录中的笔记批量写入当前存储",
		Long: `同一路径的写入按顺序执行，不同路径并发执行。

加 --watch 时推送完成后继续监视目录，文件保存后自动写入，Ctrl-C 结束。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			root := args[0]
			q := task.NewQueue(a.manager, task.WithMaxConcurrent(concurrent), task.WithLogger(a.logger))
			defer q.Close()

			out := cmd.OutOrStdout()
			q.Subscribe(func(t *task.Task) {
				switch t.Status {
				case task.StatusCompleted:
					fmt.Fprintf(out, "%s %s\n", okStyle.Render("✓"), t.Path)
				case task.StatusFailed:
					fmt.Fprintf(out, "%s %s: %v\n", warnStyle.Render("✗"), t.Path, t.Error)
				}
			})

			wanted := func(rel string) bool {
				return ext == "" || filepath.Ext(rel) == ext
			}
			enqueue := func(rel string) error {
				data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
				if err != nil {
					return err
				}
				target := path.Join(prefix, filepath.ToSlash(rel))
				_, err = q.Save(target, string(data), message, "")
				return err
			}

			err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					if p != root && strings.HasPrefix(d.Name(), ".") {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(root, p)
				if err != nil {
					return err
				}
				if !wanted(rel) {
					return nil
				}
				return enqueue(rel)
			})
			if err != nil {
				return err
			}
			if err := q.Wait(commandContext(cmd)); err != nil {
				return err
			}
			if failed := q.ListTasksByStatus(task.StatusFailed); len(failed) > 0 {
				return fmt.Errorf("%d 个文件写入失败", len(failed))
			}
			if !watch {
				return nil
			}

			fmt.Fprintf(out, "%s %s\n", dimStyle.Render("监视中"), root)
			ctx, stop := signalContext(commandContext(cmd))
			defer stop()
			w := task.NewDirWatcher(root, task.WithFilter(wanted), task.WithWatchLogger(a.logger))
			err = w.Run(ctx, func(rel string) {
				if err := enqueue(rel); err != nil {
					a.logger.Errorf("排队写入 %s 失败: %v", rel, err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&prefix, "prefix", "", "目标路径前缀")
	f.StringVarP(&message, "message", "m", "", "提交说明")
	f.StringVar(&ext, "ext", ".md", "只推送该扩展名的文件，为空表示全部")
	f.IntVar(&concurrent, "concurrency", 3, "最大并发写入数")
	f.BoolVarP(&watch, "watch", "w", false, "推送后继续监视目录变化")
	return cmd
}

func newRmCmd(c *cli) *cobra.Command {
	var (
		message string
		sha     string
	)
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "删除笔记",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			if err := a.manager.DeleteFile(commandContext(cmd), args[0], message, sha); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("已删除"), args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "提交说明")
	cmd.Flags().StringVar(&sha, "sha", "", "期望的当前版本号")
	return cmd
}

func newLsCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "ls [dir]",
		Short: "列出目录",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			entries, err := a.manager.ListFiles(commandContext(cmd), dir)
			if err != nil {
				return err
			}
			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), format, entries)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "输出格式：text、json、yaml")
	return cmd
}

func newLogCmd(c *cli) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "log [path]",
		Short: "查看历史：指定路径时为文件修订（本地模式），否则为仓库提交（远端模式）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(output)
			if err != nil {
				return err
			}
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			var commits []model.Commit
			if len(args) == 1 {
				commits, err = a.manager.GetHistory(ctx, args[0], limit)
			} else {
				commits, err = a.manager.GetCommits(ctx, limit)
			}
			if err != nil {
				return err
			}
			if format != "text" {
				return writeStructured(cmd.OutOrStdout(), format, commits)
			}
			printCommits(cmd.OutOrStdout(), commits)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "最多显示的条数")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "输出格式：text、json、yaml")
	return cmd
}

func newWatchCmd(c *cli) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "轮询远端仓库，出现新提交时输出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			poller := task.NewPoller(a.manager, func(commit model.Commit) {
				printCommits(out, []model.Commit{commit})
			}, task.WithInterval(interval), task.WithPollerLogger(a.logger))

			ctx, stop := signalContext(commandContext(cmd))
			defer stop()
			err = poller.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", task.DefaultPollInterval, "轮询间隔")
	return cmd
}

func newExportCmd(c *cli) *cobra.Command {
	var (
		outPath    string
		passphrase string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "导出全部笔记（仅本地模式），给定口令时加密",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			bundle, err := a.manager.ExportData(commandContext(cmd))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				bw := bufio.NewWriter(f)
				if err := backup.Seal(bw, bundle, passphrase); err != nil {
					return err
				}
				if err := bw.Flush(); err != nil {
					return err
				}
				a.logger.Infof("已导出 %d 个文件到 %s", len(bundle.Files), outPath)
				return f.Close()
			}
			return backup.Seal(w, bundle, passphrase)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "f", "", "输出文件，默认标准输出")
	cmd.Flags().StringVar(&passphrase, "passphrase", envOr("NOTEVAULT_PASSPHRASE", ""), "加密口令")
	return cmd
}

func newImportCmd(c *cli) *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "导入 export 生成的数据包（仅本地模式）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			bundle, err := backup.Open(r, passphrase)
			if err != nil {
				return err
			}
			a, err := c.ready(cmd)
			if err != nil {
				return err
			}
			n, err := a.manager.ImportData(commandContext(cmd), bundle)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d 个文件\n", okStyle.Render("已导入"), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", envOr("NOTEVAULT_PASSPHRASE", ""), "解密口令")
	return cmd
}

func newResetCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "清除所有存储配置、令牌与加密密钥",
		Long:  "完全重置。本地数据库与版本库的数据文件不会被删除。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset 会删除已保存的令牌与密钥，确认请加 --yes")
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			// 先载入当前模式，以便注销远端会话
			if _, err := a.manager.Initialize(ctx, nil); err != nil {
				a.logger.Debugf("载入当前模式失败: %v", err)
			}
			if err := a.manager.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("已重置"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "确认重置")
	return cmd
}
