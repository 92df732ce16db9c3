package sink

import (
	"context"
	"log/slog"
	"sort"

	"github.com/JohnLonginotto/SeQC/internal/pipeline"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// Plan 根据已完成的文件推算需要补建的索引。written 为 hash 到本批次写入的分组键。
// 没有行的显式表与文档类分组不建索引。
func Plan(ctx context.Context, store storage.Backend, reg *plugin.Registry, written map[string][]string) ([]IndexJob, error) {
	hashes := make([]string, 0, len(written))
	for hash := range written {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	var jobs []IndexJob
	for _, hash := range hashes {
		sample, err := store.GetSample(ctx, hash)
		if err != nil {
			return nil, err
		}
		for _, key := range written[hash] {
			entry, ok := sample.Completed[key]
			if !ok || entry.Rows == nil {
				continue
			}
			members := SplitKey(key)
			linkable := len(members) > 1
			if !linkable {
				if stat, ok := reg.Get(members[0]); ok {
					linkable = stat.Linkable
				}
			}
			if !linkable && *entry.Rows == 0 {
				continue
			}
			job, ok := IndexFor(reg, hash, pipeline.Group{Members: members, Key: key, Linkable: linkable})
			if ok {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

// IndexDeferred 依次建立 jobs 中的索引。单个索引失败只记录日志，返回遇到的第一个错误。
func IndexDeferred(ctx context.Context, store storage.Backend, jobs []IndexJob, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var first error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := store.CreateIndex(ctx, job.Table, job.Columns); err != nil {
			logger.Error("建立索引失败", slog.String("table", job.Table), slog.Any("error", err))
			if first == nil {
				first = err
			}
			continue
		}
		logger.Debug("索引已建立", slog.String("table", job.Table))
	}
	return first
}
