package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JohnLonginotto/SeQC/internal/config"
	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/stats"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/internal/storage/mysql"
	"github.com/JohnLonginotto/SeQC/internal/storage/sqlite"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// app 保存全局参数以及加载后的配置，供各个子命令共享。
type app struct {
	configPath string
	dbPath     string
	pluginDir  string
	logLevel   string

	cfg *config.Config
}

func newApp() *app { return &app{} }

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "seqc",
		Short:         "Count read statistics in SAM/BAM files and serve them for plotting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file (default $"+config.EnvPath+")")
	flags.StringVar(&a.dbPath, "db", "", "SQLite database path, overrides database.sqlite.path")
	flags.StringVar(&a.pluginDir, "plugins", "", "directory of external statistic plugins (*.so)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newAnalyseCmd(a),
		newWorkerCmd(a),
		newServeCmd(a),
		newStatsCmd(a),
		newSamplesCmd(a),
	)
	return root
}

// load 读取配置、应用命令行覆盖并初始化日志。stderrOnly 用于子进程工作者，
// 其标准输出专门用于事件流。
func (a *app) load(stderrOnly bool) error {
	cfg, err := config.Resolve(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.SQLite.Path = a.dbPath
	}
	if a.pluginDir != "" {
		cfg.Plugins.Dir = a.pluginDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if stderrOnly {
		cfg.Log.OutputPaths = []string{"stderr"}
		cfg.Log.Audit.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	a.cfg = cfg
	return nil
}

// registry 加载内置统计项与外部插件，并计算全局执行顺序。
func (a *app) registry() (*plugin.Registry, []string, error) {
	external, err := plugin.LoadDir(a.cfg.Plugins, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载外部统计项失败")
	}
	opts := append(a.cfg.Plugins.Options(), plugin.WithLogger(logger.Named("plugin")))
	reg, err := plugin.Load(append(stats.Sources(), external...), opts...)
	if err != nil {
		return nil, nil, err
	}
	order, err := pipeline.Resolve(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, order, nil
}

// openBackend 按配置打开存储后端并执行迁移。
func (a *app) openBackend(ctx context.Context) (storage.Backend, error) {
	opts := []storage.Option{storage.WithLogger(logger.Named("storage"))}
	var (
		store storage.Backend
		err   error
	)
	switch a.cfg.Database.Driver {
	case "sqlite":
		store, err = sqlite.Open(ctx, a.cfg.Database.SQLite, opts...)
	case "mysql":
		store, err = mysql.Open(ctx, a.cfg.Database.MySQL, opts...)
	default:
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "不支持的数据库后端 %q", a.cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.L().Debug("存储后端已就绪", slog.String("driver", a.cfg.Database.Driver))
	return store, nil
}

// groups 依次使用命令行、配置文件与内置默认值决定分析分组。
func (a *app) groups(reg *plugin.Registry, flagValues []string) ([]pipeline.Group, error) {
	requested := pipeline.ParseGroups(flagValues)
	if len(requested) == 0 {
		requested = a.cfg.Analysis.Groups
	}
	if len(requested) == 0 {
		requested = stats.DefaultAnalyses()
	}
	groups, err := pipeline.NormalizeGroups(reg, requested)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "没有需要执行的分析")
	}
	return groups, nil
}

func groupFlags(groups []pipeline.Group) []string {
	out := make([]string, 0, 2*len(groups))
	for _, g := range groups {
		out = append(out, "--stats", strings.Join(g.Members, ","))
	}
	return out
}
