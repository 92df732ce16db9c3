package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/sink"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

var (
	hashPattern  = regexp.MustCompile(`^[0-9a-f]{32}$`)
	valuePattern = regexp.MustCompile(`^[a-zA-Z0-9 _.():-]{1,50}$`)
)

// SampleView 是 GET /samples 返回的一项。
type SampleView struct {
	Hash         string    `json:"hash"`
	SampleID     string    `json:"sampleID"`
	FileName     string    `json:"fileName"`
	ProjectName  string    `json:"projectName"`
	Path         string    `json:"path"`
	Created      time.Time `json:"created"`
	Size         int64     `json:"size"`
	TotalReads   int64     `json:"totalReads"`
	AnalysisTime int64     `json:"analysisTime"`
	Colour       string    `json:"colour"`
	Analyses     []string  `json:"analyses"`
}

// Counts 是一个样本上的结果：子图类别 -> 观察类别 -> 计数和。
type Counts map[string]map[string]int64

func (c Counts) add(subplot, looking string, n int64) {
	inner, ok := c[subplot]
	if !ok {
		inner = make(map[string]int64)
		c[subplot] = inner
	}
	inner[looking] += n
}

// Result 的层级为 子图类别 -> 查询哈希 -> 样本 -> 观察类别 -> 计数和。
type Result map[string]map[string]map[string]map[string]int64

func (r Result) merge(queryHash, sample string, counts Counts) {
	for subplot, inner := range counts {
		byHash, ok := r[subplot]
		if !ok {
			byHash = make(map[string]map[string]map[string]int64)
			r[subplot] = byHash
		}
		bySample, ok := byHash[queryHash]
		if !ok {
			bySample = make(map[string]map[string]int64)
			byHash[queryHash] = bySample
		}
		bySample[sample] = inner
	}
}

// Service 在样本的结果表上执行规范化查询。
type Service struct {
	store       storage.Backend
	reg         *plugin.Registry
	cache       Cache
	ttl         time.Duration
	parallelism int
	group       singleflight.Group
	logger      *slog.Logger
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithCache 设置结果缓存及过期时间。
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.ttl = ttl
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithParallelism 限制同时查询的样本数。
func WithParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// NewService 创建查询服务。
func NewService(store storage.Backend, reg *plugin.Registry, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "查询服务需要存储后端")
	}
	if reg == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "查询服务需要统计项注册表")
	}
	s := &Service{
		store:       store,
		reg:         reg,
		cache:       NewMemoryCache(0),
		ttl:         10 * time.Minute,
		parallelism: 4,
		logger:      logger.Named("query"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Samples 列出已分析的样本。
func (s *Service) Samples(ctx context.Context) ([]SampleView, error) {
	samples, err := s.store.ListSamples(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]SampleView, 0, len(samples))
	for i := range samples {
		sample := &samples[i]
		var analysis int64
		for _, c := range sample.Completed {
			analysis += c.DurationMS
		}
		views = append(views, SampleView{
			Hash:         sample.Hash,
			SampleID:     sample.SampleID,
			FileName:     sample.FileName,
			ProjectName:  sample.ProjectName,
			Path:         sample.Path,
			Created:      sample.CreatedAt,
			Size:         sample.Size,
			TotalReads:   sample.TotalReads,
			AnalysisTime: analysis,
			Colour:       sample.Colour,
			Analyses:     sample.CompletedKeys(),
		})
	}
	return views, nil
}

// UpdateSample 校验并修改样本的展示字段。
func (s *Service) UpdateSample(ctx context.Context, hash, column, value string) error {
	if !hashPattern.MatchString(hash) {
		return invalid("样本哈希必须是 32 位小写十六进制: %q", hash)
	}
	if _, ok := storage.DisplayColumns[column]; !ok {
		return invalid("不支持修改字段 %q", column)
	}
	if !valuePattern.MatchString(value) {
		return invalid("字段值不合法: %q", value)
	}
	return s.store.UpdateDisplay(ctx, hash, column, value)
}

// Query 规范化请求并在每个样本上执行。
func (s *Service) Query(ctx context.Context, req Request) (*Normalized, Result, error) {
	n, err := Normalize(req, s.store.Dialect())
	if err != nil {
		return nil, nil, err
	}
	samples := uniqueSorted(req.Samples)
	if len(samples) == 0 {
		return nil, nil, invalid("至少需要一个样本")
	}
	for _, hash := range samples {
		if !hashPattern.MatchString(hash) {
			return nil, nil, invalid("样本哈希必须是 32 位小写十六进制: %q", hash)
		}
	}

	var mu sync.Mutex
	result := Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, hash := range samples {
		g.Go(func() error {
			counts, err := s.sampleCounts(gctx, n, hash)
			if err != nil {
				return err
			}
			mu.Lock()
			result.merge(n.Hash, hash, counts)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return n, result, nil
}

func (s *Service) sampleCounts(ctx context.Context, n *Normalized, hash string) (Counts, error) {
	sample, err := s.store.GetSample(ctx, hash)
	if err != nil {
		return nil, err
	}
	key, err := s.tableFor(sample, n.Needs)
	if err != nil {
		return nil, err
	}
	table := sink.TableName(hash, key)
	cacheKey := fmt.Sprintf("%s:%s:%s", hash, n.SampleHash(table), strconv.FormatInt(sample.UpdatedAt.UnixNano(), 10))

	if raw, ok, err := s.cache.Get(ctx, cacheKey); err != nil {
		s.logger.Warn("读取查询缓存失败", slog.String("key", cacheKey), slog.Any("error", err))
	} else if ok {
		var counts Counts
		if err := json.Unmarshal(raw, &counts); err == nil {
			return counts, nil
		}
	}

	v, err, shared := s.group.Do(cacheKey, func() (any, error) {
		started := time.Now()
		stmt, args := n.SQL(table)
		rows, err := s.store.Query(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		counts := Counts{}
		for _, row := range rows {
			sum, err := toInt64(row[0])
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法解析计数和")
			}
			if n.DropZeroTlen {
				if tlen, ok := n.tlenValue(row); (ok && tlen == 0) || sum < 10 {
					continue
				}
			}
			subplot, looking := n.categories(row)
			counts.add(subplot, looking, sum)
		}
		s.logger.Debug("样本查询完成",
			slog.String("sample", hash),
			slog.String("query", stmt),
			slog.Int("rows", len(rows)),
			slog.Duration("duration", time.Since(started)))

		if raw, err := json.Marshal(counts); err == nil {
			if err := s.cache.Set(ctx, cacheKey, raw, s.ttl); err != nil {
				s.logger.Warn("写入查询缓存失败", slog.String("key", cacheKey), slog.Any("error", err))
			}
		}
		return counts, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("合并了相同的样本查询", slog.String("sample", hash))
	}
	return v.(Counts), nil
}

// tableFor 选出包含全部所需列、成员最少的已完成可链接分组。
func (s *Service) tableFor(sample *storage.Sample, needs []string) (string, error) {
	best := ""
	bestSize := 0
	for _, key := range sample.CompletedKeys() {
		if sample.Completed[key].Rows == nil {
			continue
		}
		members := sink.SplitKey(key)
		if !s.linkable(members) || !covers(members, needs) {
			continue
		}
		if best == "" || len(members) < bestSize {
			best, bestSize = key, len(members)
		}
	}
	if best == "" {
		return "", xerrors.Newf(xerrors.CodeNotFound, "样本 %s 没有包含 %v 的已完成分析", sample.Hash, needs)
	}
	return best, nil
}

func (s *Service) linkable(members []string) bool {
	for _, name := range members {
		stat, ok := s.reg.Get(name)
		if !ok || !stat.Linkable {
			return false
		}
	}
	return true
}

func covers(members, needs []string) bool {
	have := make(map[string]bool, len(members))
	for _, m := range members {
		have[m] = true
	}
	for _, n := range needs {
		if !have[n] {
			return false
		}
	}
	return true
}
