package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/progress"
)

// RunFunc 在当前进程内处理一个文件。
type RunFunc func(ctx context.Context, file string, emit progress.Emitter) error

// InProcess 为每个文件启动一个协程。工作者 panic 时返回 WORKER_CRASHED，
// 协调器会据此把该文件判定为崩溃。
type InProcess struct {
	Run RunFunc
}

// Launch 实现 Launcher。
func (l InProcess) Launch(ctx context.Context, file string, emit progress.Emitter) (err error) {
	if l.Run == nil {
		return xerrors.New(xerrors.CodeConfiguration, "未配置进程内工作者")
	}
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeWorkerCrashed, fmt.Sprintf("工作者 panic: %v", r),
				xerrors.WithMetadata("file", file),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	return l.Run(ctx, file, emit)
}

// Exec 为每个文件启动一个子进程（通常是 `seqc worker`）。子进程在标准输出上逐行写 JSON
// 事件，标准错误按行转发到日志。
type Exec struct {
	// Command 为空时使用当前可执行文件。
	Command string
	// Args 放在文件路径之前。
	Args []string
	// Env 追加到当前进程的环境变量之后。
	Env    []string
	Dir    string
	Logger *slog.Logger
}

// Launch 实现 Launcher。事件流解码失败或进程非零退出都会作为错误返回。
func (l *Exec) Launch(ctx context.Context, file string, emit progress.Emitter) error {
	command := l.Command
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "无法定位当前可执行文件")
		}
		command = self
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("file", file))

	args := append(append([]string(nil), l.Args...), file)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeWorkerCrashed, err, "创建标准输出管道失败")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeWorkerCrashed, err, "创建标准错误管道失败")
	}
	if err := cmd.Start(); err != nil {
		return xerrors.Wrap(xerrors.CodeWorkerCrashed, err, fmt.Sprintf("启动工作者进程 %s 失败", command))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				logger.Info("工作者输出", slog.String("line", line))
			}
		}
	}()

	decodeErr := progress.Decode(stdout, emit)
	if decodeErr != nil {
		io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case waitErr != nil:
		return xerrors.Wrap(xerrors.CodeWorkerCrashed, waitErr, "工作者进程异常退出")
	case decodeErr != nil:
		return xerrors.Wrap(xerrors.CodeWorkerCrashed, decodeErr, "无法解析工作者事件流")
	}
	return nil
}
