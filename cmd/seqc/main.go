// Command seqc 统计比对文件（SAM/BAM）中的读段特征，并把结果写入关系数据库供查询服务使用。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

// main 是 seqc 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "seqc: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeConfiguration, xerrors.CodeDependencyCycle, xerrors.CodeInvalidArgument:
		return 2
	default:
		return 1
	}
}
