// Package worker 实现单个文件的分析状态机：
// 哈希 → 闸门 → 组合 → 扫描 → 写入 → 元数据提交 → 完成。
package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	stdErrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/gate"
	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/progress"
	"github.com/JohnLonginotto/SeQC/internal/sink"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
	"github.com/JohnLonginotto/SeQC/pkg/record"
)

const (
	hashChunk   = 1 << 20
	reportEvery = 4096
)

// Config 是一次分析批次对每个文件相同的参数。
type Config struct {
	Groups    []pipeline.Group
	Mode      record.Mode
	Writeover bool
	Heartbeat time.Duration
}

// Report 描述一个文件的处理结果。
type Report struct {
	Outcome progress.Outcome
	Hash    string
	Records int64
	// Groups 是本次写入的分组键，跳过时为已完成的分组键。
	Groups []string
	Tables []string
	// Deferred 是单写者后端上推迟建立的索引。
	Deferred []sink.IndexJob
}

// Worker 分析单个文件。同一个 Worker 可以串行处理多个文件。
type Worker struct {
	store  storage.Backend
	reg    *plugin.Registry
	order  []string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option 定义 Worker 的可选配置。
type Option func(*Worker)

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// New 创建 Worker。order 是 pipeline.Resolve 给出的全局执行顺序。
func New(store storage.Backend, reg *plugin.Registry, order []string, cfg Config, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存储后端不能为空")
	}
	if reg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "统计项注册表不能为空")
	}
	if len(cfg.Groups) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "没有需要计算的分析分组")
	}
	if cfg.Mode == "" {
		cfg.Mode = record.ModeAuto
	}
	w := &Worker{store: store, reg: reg, order: order, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run 处理 path 并通过 emit 汇报进度，保证恰好发出一个终止事件。
// 返回的错误与终止事件中的结果一致：数据错误为 DATA_ERROR，其余为崩溃。
func (w *Worker) Run(ctx context.Context, path string, emit progress.Emitter) (Report, error) {
	rep := progress.NewReporter(path, emit, progress.WithHeartbeat(w.cfg.Heartbeat), progress.WithClock(w.now))
	logger := w.logger.With(slog.String("file", path))

	report, err := w.run(ctx, path, rep, logger)
	if err != nil {
		report.Outcome = progress.OutcomeOf(err)
		logger.Error("文件处理失败", slog.String("outcome", string(report.Outcome)), slog.Any("error", err))
	}
	rep.Finish(progress.Result{
		Outcome: report.Outcome,
		Hash:    report.Hash,
		Message: message(err),
		Records: report.Records,
		Groups:  report.Groups,
	})
	return report, err
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (w *Worker) run(ctx context.Context, path string, rep *progress.Reporter, logger *slog.Logger) (Report, error) {
	var report Report

	hash, size, err := hashFile(ctx, path, rep)
	if err != nil {
		return report, err
	}
	report.Hash = hash
	logger = logger.With(slog.String("hash", hash))

	decision, err := gate.FilterPending(ctx, w.store, hash, w.cfg.Groups, w.cfg.Writeover)
	if err != nil {
		return report, err
	}
	if decision.Skip {
		report.Outcome = progress.OutcomeSkipped
		report.Groups = decision.Done
		if decision.Existing != nil {
			report.Records = decision.Existing.TotalReads
		}
		logger.Info("所有分组已完成，跳过文件")
		return report, nil
	}

	reader, err := record.Open(path, w.cfg.Mode)
	if err != nil {
		return report, asDataError(err, "无法读取文件")
	}
	defer reader.Close()

	routine, err := pipeline.Compose(w.reg, w.order, decision.Pending, plugin.Env{Mode: reader.Mode(), References: reader.References()})
	if err != nil {
		return report, err
	}
	if err := routine.Before(); err != nil {
		return report, err
	}

	estimate, err := record.Estimate(path)
	if err != nil {
		logger.Warn("无法估计记录数", slog.Any("error", err))
		estimate = 0
	}
	rep.Phase(progress.PhaseComputing, estimate)
	if err := scan(ctx, reader, routine, rep); err != nil {
		return report, err
	}
	report.Records = routine.Records()
	if report.Records == 0 {
		return report, xerrors.New(xerrors.CodeDataError, "文件中没有任何记录")
	}

	rep.Phase(progress.PhaseConverting, 0)
	results, err := routine.Finish()
	if err != nil {
		return report, err
	}

	rep.Phase(progress.PhaseWriting, int64(len(results)))
	file := sink.File{Hash: hash, Path: absolute(path), Name: filepath.Base(path), Size: size, Header: reader.Header()}
	s := sink.New(w.store, w.reg, file, sink.WithLogger(logger), sink.WithClock(w.now))
	if err := w.write(ctx, s, results, report.Records, rep); err != nil {
		return report, err
	}
	report.Groups = s.Completed()
	report.Tables = s.Tables()

	rep.Phase(progress.PhaseIndexing, int64(len(s.Indexes())))
	deferred, err := s.Index(ctx)
	if err != nil {
		return report, err
	}
	report.Deferred = deferred

	report.Outcome = progress.OutcomeCompleted
	logger.Info("文件处理完成",
		slog.Int64("records", report.Records),
		slog.Int("tables", len(report.Tables)),
		slog.Int("deferred_indexes", len(deferred)))
	return report, nil
}

// write 在写锁内替换全部结果表并提交元数据。
func (w *Worker) write(ctx context.Context, s *sink.Sink, results []pipeline.GroupResult, records int64, rep *progress.Reporter) error {
	release, err := w.store.AcquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Write(ctx, res); err != nil {
			return err
		}
		rep.Advance(1)
	}
	return s.Commit(ctx, records)
}

func scan(ctx context.Context, reader record.Reader, routine *pipeline.Routine, rep *progress.Reporter) error {
	var pending int64
	for {
		rec, err := reader.Read()
		if stdErrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asDataError(err, "读取记录失败")
		}
		if err := routine.Process(rec); err != nil {
			return err
		}
		pending++
		if pending == reportEvery {
			rep.Advance(pending)
			pending = 0
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	rep.Advance(pending)
	return nil
}

func hashFile(ctx context.Context, path string, rep *progress.Reporter) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.CodeDataError, err, "无法打开文件")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.CodeDataError, err, "无法读取文件信息")
	}
	rep.Phase(progress.PhaseHashing, info.Size())

	h := md5.New()
	buf := make([]byte, hashChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			rep.Advance(int64(n))
		}
		if stdErrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, xerrors.Wrap(xerrors.CodeDataError, err, "计算文件哈希失败")
		}
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

func asDataError(err error, msg string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeDataError, err, msg)
}

func absolute(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
