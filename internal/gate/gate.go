// Package gate 决定一个文件还有哪些分析分组需要计算。
package gate

import (
	"context"
	"errors"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/storage"
)

// SampleReader 是写入闸门需要的最小存储能力。
type SampleReader interface {
	GetSample(ctx context.Context, hash string) (*storage.Sample, error)
}

// Decision 是闸门的判定结果。
type Decision struct {
	// Pending 是仍需计算的分组，保持输入顺序。
	Pending []pipeline.Group
	// Done 是已经完成、本次跳过的分组键。
	Done []string
	// Skip 为 true 表示全部分组都已完成，该文件不需要任何写入。
	Skip bool
	// Existing 是库中已有的样本记录，不存在时为 nil。
	Existing *storage.Sample
}

// FilterPending 只读取元数据，不做任何写入；对同一状态重复调用结果相同。
func FilterPending(ctx context.Context, store SampleReader, hash string, groups []pipeline.Group, writeover bool) (Decision, error) {
	existing, err := store.GetSample(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrSampleNotFound) && !xerrors.HasCode(err, xerrors.CodeNotFound) {
			return Decision{}, err
		}
		existing = nil
	}

	d := Decision{Existing: existing}
	if existing == nil || writeover {
		d.Pending = append([]pipeline.Group(nil), groups...)
		d.Skip = len(d.Pending) == 0
		return d, nil
	}

	for _, g := range groups {
		if _, done := existing.Completed[g.Key]; done {
			d.Done = append(d.Done, g.Key)
			continue
		}
		d.Pending = append(d.Pending, g)
	}
	d.Skip = len(d.Pending) == 0
	return d, nil
}
