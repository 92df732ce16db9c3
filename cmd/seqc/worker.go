package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/worker"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

// newWorkerCmd 是 analyse 为每个文件启动的子进程。标准输出只承载 JSON 事件，
// 文件级错误通过终止事件报告，进程本身仍以 0 退出。标准输出写入失败时取消分析并以非零退出。
func newWorkerCmd(a *app) *cobra.Command {
	var (
		stats     []string
		reader    string
		writeover bool
		heartbeat time.Duration
	)
	cmd := &cobra.Command{
		Use:    "worker [flags] -- FILE",
		Short:  "Analyse one file and stream progress events to stdout",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(true); err != nil {
				return err
			}
			defer logger.Sync()

			reg, order, err := a.registry()
			if err != nil {
				return err
			}
			groups, err := a.groups(reg, stats)
			if err != nil {
				return err
			}
			mode, err := record.ParseMode(reader)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeConfiguration, err, "读取模式无效")
			}
			store, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			w, err := worker.New(store, reg, order, worker.Config{
				Groups:    groups,
				Mode:      mode,
				Writeover: writeover,
				Heartbeat: heartbeat,
			}, worker.WithLogger(logger.Named("worker")))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			out := progress.NewJSONWriter(cmd.OutOrStdout(), func(error) { cancel() })
			_, _ = w.Run(ctx, args[0], out.Emit)
			if err := out.Err(); err != nil {
				return xerrors.Wrap(xerrors.CodeWorkerCrashed, err, "状态输出中断，放弃本文件")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVarP(&stats, "stats", "s", nil, "analysis group, repeatable")
	flags.StringVar(&reader, "reader", "auto", "record reader: auto, text or native")
	flags.BoolVar(&writeover, "writeover", false, "recompute groups that are already stored")
	flags.DurationVar(&heartbeat, "heartbeat", 5*time.Second, "interval of keep-alive events")
	return cmd
}
