package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/events"
	"github.com/JohnLonginotto/SeQC/internal/observability/metrics"
	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/scheduler"
	"github.com/JohnLonginotto/SeQC/internal/sink"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/internal/worker"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

type analyseOptions struct {
	stats        []string
	workers      int
	writeover    bool
	reader       string
	inProcess    bool
	explain      bool
	stallTimeout time.Duration
	metricsAddr  string
}

func newAnalyseCmd(a *app) *cobra.Command {
	var o analyseOptions
	cmd := &cobra.Command{
		Use:     "analyse [flags] FILE...",
		Aliases: []string{"analyze"},
		Short:   "Analyse SAM/BAM files with the requested statistic groups",
		Long: `Each --stats value is one analysis group ("flag,gc" or "flag gc"): its statistics are
counted together into one table per file. Without --stats the configured groups are used,
falling back to (flag,gc,rname,type) and (tlen).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			defer logger.Sync()
			applyAnalyseFlags(cmd, a, &o)
			if !o.explain && len(args) == 0 {
				return xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个输入文件")
			}
			return runAnalyse(cmd, a, o, args)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVarP(&o.stats, "stats", "s", nil, "analysis group, repeatable")
	flags.IntVarP(&o.workers, "workers", "w", 0, "files analysed concurrently")
	flags.BoolVar(&o.writeover, "writeover", false, "recompute groups that are already stored")
	flags.StringVar(&o.reader, "reader", "", "record reader: auto, text or native")
	flags.BoolVar(&o.inProcess, "inprocess", false, "run workers as goroutines instead of subprocesses")
	flags.BoolVar(&o.explain, "explain", false, "print the composed per-record routine and exit")
	flags.DurationVar(&o.stallTimeout, "stall-timeout", 0, "mark a worker crashed after this long without events")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while analysing")
	return cmd
}

// applyAnalyseFlags 让显式给出的命令行参数覆盖配置文件。
func applyAnalyseFlags(cmd *cobra.Command, a *app, o *analyseOptions) {
	cfg := &a.cfg.Analysis
	if cmd.Flags().Changed("workers") {
		cfg.Workers = o.workers
	}
	if cmd.Flags().Changed("writeover") {
		cfg.Writeover = o.writeover
	}
	if cmd.Flags().Changed("reader") {
		cfg.Reader = o.reader
	}
	if cmd.Flags().Changed("inprocess") {
		cfg.InProcess = o.inProcess
	}
	if cmd.Flags().Changed("stall-timeout") {
		cfg.StallTimeout = o.stallTimeout
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
}

func runAnalyse(cmd *cobra.Command, a *app, o analyseOptions, files []string) error {
	ctx := cmd.Context()
	cfg := a.cfg.Analysis
	log := logger.Named("analyse")

	reg, order, err := a.registry()
	if err != nil {
		return err
	}
	groups, err := a.groups(reg, o.stats)
	if err != nil {
		return err
	}
	mode, err := record.ParseMode(cfg.Reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "读取模式无效")
	}
	if cfg.Workers < 1 {
		return xerrors.Newf(xerrors.CodeConfiguration, "工作者数量必须大于 0，当前为 %d", cfg.Workers)
	}

	if o.explain {
		routine, err := pipeline.Compose(reg, order, groups, plugin.Env{Mode: mode})
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), routine.Listing())
		return nil
	}

	store, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	launcher, err := a.launcher(store, reg, order, groups, mode)
	if err != nil {
		return err
	}

	m := metrics.Default()
	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.StartServer(metricsCtx, cfg.MetricsAddr, m); err != nil && metricsCtx.Err() == nil {
				log.Warn("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	publisher, closePublisher, err := a.publisher()
	if err != nil {
		return err
	}
	defer closePublisher()
	recorder := events.NewRecorder(publisher, log)

	display := scheduler.NewDisplay(cmd.OutOrStdout())
	coord := scheduler.New(launcher,
		scheduler.WithWorkers(cfg.Workers),
		scheduler.WithStallTimeout(cfg.StallTimeout),
		scheduler.WithObserver(display),
		scheduler.WithObserver(m.Analysis()),
		scheduler.WithObserver(recorder),
		scheduler.WithFinalizer(deferredIndexes(store, reg, log)),
		scheduler.WithLogger(logger.Named("scheduler")),
	)

	log.Info("开始分析",
		slog.String("run", recorder.RunID()),
		slog.Int("files", len(files)),
		slog.Any("groups", pipeline.Keys(groups)),
		slog.Int("workers", cfg.Workers))
	results, runErr := coord.Run(ctx, files)
	display.Close()
	fmt.Fprintln(cmd.OutOrStdout(), display.Summary())

	if runErr != nil {
		return runErr
	}
	tally := scheduler.Tally(results)
	if failed := tally[progress.OutcomeDataError] + tally[progress.OutcomeCrashed]; failed > 0 {
		return xerrors.Newf(xerrors.CodeDataError, "%d 个文件未能完成分析", failed)
	}
	return nil
}

// launcher 根据配置选择进程内或子进程工作者。
func (a *app) launcher(store storage.Backend, reg *plugin.Registry, order []string, groups []pipeline.Group, mode record.Mode) (scheduler.Launcher, error) {
	cfg := a.cfg.Analysis
	if cfg.InProcess {
		w, err := worker.New(store, reg, order, worker.Config{
			Groups:    groups,
			Mode:      mode,
			Writeover: cfg.Writeover,
			Heartbeat: cfg.Heartbeat,
		}, worker.WithLogger(logger.Named("worker")))
		if err != nil {
			return nil, err
		}
		return scheduler.InProcess{Run: func(ctx context.Context, file string, emit progress.Emitter) error {
			_, err := w.Run(ctx, file, emit)
			return err
		}}, nil
	}

	args := []string{"worker", "--reader", string(mode), "--heartbeat", cfg.Heartbeat.String()}
	args = append(args, groupFlags(groups)...)
	if cfg.Writeover {
		args = append(args, "--writeover")
	}
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	if a.dbPath != "" {
		args = append(args, "--db", a.dbPath)
	}
	if a.pluginDir != "" {
		args = append(args, "--plugins", a.pluginDir)
	}
	if a.logLevel != "" {
		args = append(args, "--log-level", a.logLevel)
	}
	args = append(args, "--")
	return &scheduler.Exec{Args: args, Logger: logger.Named("worker")}, nil
}

// publisher 组合审计日志与可选的 RabbitMQ 发布者。
func (a *app) publisher() (events.Publisher, func(), error) {
	publishers := []events.Publisher{events.LogPublisher{}}
	closeFn := func() {}
	if a.cfg.Events.AMQP.URL != "" {
		amqp, err := events.NewAMQPPublisher(a.cfg.Events.AMQP)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, amqp)
		closeFn = func() { _ = amqp.Close() }
	}
	return events.NewFanout(publishers...), closeFn, nil
}

// deferredIndexes 在单写者后端上为本批次完成的文件统一创建索引。
func deferredIndexes(store storage.Backend, reg *plugin.Registry, log *slog.Logger) scheduler.Finalizer {
	return func(ctx context.Context, results []scheduler.Result) error {
		if !store.SingleWriter() {
			return nil
		}
		written := make(map[string][]string)
		for _, res := range results {
			if res.Outcome == progress.OutcomeCompleted && res.Hash != "" {
				written[res.Hash] = append(written[res.Hash], res.Groups...)
			}
		}
		if len(written) == 0 {
			return nil
		}
		jobs, err := sink.Plan(ctx, store, reg, written)
		if err != nil {
			return err
		}
		log.Info("创建推迟的索引", slog.Int("indexes", len(jobs)))
		return sink.IndexDeferred(ctx, store, jobs, log)
	}
}
