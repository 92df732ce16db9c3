package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

// DefaultBatchSize 是多行 INSERT 每条语句包含的行数。
const DefaultBatchSize = 500

// DB 是 Backend 基于 database/sql 的通用实现。
type DB struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
	batch   int
}

// Option 定义 DB 的可选配置。
type Option func(*DB)

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(d *DB) {
		if now != nil {
			d.now = now
		}
	}
}

// WithBatchSize 设置多行 INSERT 的行数。
func WithBatchSize(n int) Option {
	return func(d *DB) {
		if n > 0 {
			d.batch = n
		}
	}
}

// New 用已打开的连接池构造 DB。
func New(db *sql.DB, dialect Dialect, opts ...Option) *DB {
	d := &DB{db: db, dialect: dialect, logger: slog.Default(), now: time.Now, batch: DefaultBatchSize}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SQL 返回底层连接池。
func (d *DB) SQL() *sql.DB { return d.db }

// Dialect 返回方言。
func (d *DB) Dialect() Dialect { return d.dialect }

// Logger 返回日志输出。
func (d *DB) Logger() *slog.Logger { return d.logger }

// Now 返回当前时间。
func (d *DB) Now() time.Time { return d.now() }

// SingleWriter 默认允许并发写入。
func (d *DB) SingleWriter() bool { return false }

// AcquireWriter 默认不加锁。
func (d *DB) AcquireWriter(context.Context) (func(), error) { return func() {}, nil }

// Close 关闭连接池。
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

const sampleColumns = `hash, path, file_name, size, header, completed, documents, sample_id, project_name, colour, total_reads, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*Sample, error) {
	var (
		s                    Sample
		completed, documents string
		created, updated     int64
	)
	if err := row.Scan(&s.Hash, &s.Path, &s.FileName, &s.Size, &s.Header, &completed, &documents,
		&s.SampleID, &s.ProjectName, &s.Colour, &s.TotalReads, &created, &updated); err != nil {
		return nil, err
	}
	if err := decodeJSON(completed, &s.Completed); err != nil {
		return nil, fmt.Errorf("解析样本 %s 的完成记录失败: %w", s.Hash, err)
	}
	if err := decodeJSON(documents, &s.Documents); err != nil {
		return nil, fmt.Errorf("解析样本 %s 的文档失败: %w", s.Hash, err)
	}
	if s.Completed == nil {
		s.Completed = map[string]Completion{}
	}
	if s.Documents == nil {
		s.Documents = map[string]json.RawMessage{}
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return &s, nil
}

func decodeJSON(raw string, dest any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetSample 读取 hash 对应的样本，不存在时返回 ErrSampleNotFound。
func (d *DB) GetSample(ctx context.Context, hash string) (*Sample, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE hash = ?`, hash)
	s, err := scanSample(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSampleNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询样本失败")
	}
	return s, nil
}

// ListSamples 按创建时间列出全部样本。
func (d *DB) ListSamples(ctx context.Context) ([]Sample, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+sampleColumns+` FROM samples ORDER BY created_at, hash`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询样本列表失败")
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析样本失败")
		}
		samples = append(samples, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历样本失败")
	}
	return samples, nil
}

// MergeSample 在一个事务内读取已有记录、合并并写回。
func (d *DB) MergeSample(ctx context.Context, sample *Sample) error {
	if sample == nil || sample.Hash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "样本哈希不能为空")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启样本事务失败")
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE hash = ?`+d.dialect.LockClause(), sample.Hash)
	existing, err := scanSample(row)
	switch {
	case err == nil:
	case stdErrors.Is(err, sql.ErrNoRows):
		existing = nil
	default:
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取已有样本失败")
	}

	merged := sample.MergeInto(existing)
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = d.now()
	}
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = d.now()
	}
	completed, err := encodeJSON(nonNilCompleted(merged.Completed))
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码完成记录失败")
	}
	documents, err := encodeJSON(nonNilDocuments(merged.Documents))
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码样本文档失败")
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO samples (`+sampleColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			merged.Hash, merged.Path, merged.FileName, merged.Size, merged.Header, completed, documents,
			merged.SampleID, merged.ProjectName, merged.Colour, merged.TotalReads,
			merged.CreatedAt.UnixMilli(), merged.UpdatedAt.UnixMilli())
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE samples SET path = ?, file_name = ?, size = ?, header = ?, completed = ?, documents = ?,
    sample_id = ?, project_name = ?, colour = ?, total_reads = ?, updated_at = ? WHERE hash = ?`,
			merged.Path, merged.FileName, merged.Size, merged.Header, completed, documents,
			merged.SampleID, merged.ProjectName, merged.Colour, merged.TotalReads,
			merged.UpdatedAt.UnixMilli(), merged.Hash)
	}
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入样本元数据失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交样本事务失败")
	}
	return nil
}

func nonNilCompleted(m map[string]Completion) map[string]Completion {
	if m == nil {
		return map[string]Completion{}
	}
	return m
}

func nonNilDocuments(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}

// Execer 是 *sql.DB 与 *sql.Tx 的公共部分。
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateTableSQL 返回建表语句。
func (d *DB) CreateTableSQL(spec TableSpec) string {
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = d.dialect.Quote(c.Name) + " " + d.dialect.ColumnType(c.Type)
	}
	return "CREATE TABLE " + d.dialect.Quote(spec.Name) + " (" + strings.Join(cols, ", ") + ")"
}

// InsertRows 以多行 INSERT 写入 rows，每条语句最多 batch 行。
func (d *DB) InsertRows(ctx context.Context, ex Execer, spec TableSpec, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		names[i] = d.dialect.Quote(c.Name)
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"
	prefix := "INSERT INTO " + d.dialect.Quote(spec.Name) + " (" + strings.Join(names, ", ") + ") VALUES "

	for start := 0; start < len(rows); start += d.batch {
		end := start + d.batch
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		args := make([]any, 0, len(chunk)*len(names))
		for i, row := range chunk {
			if len(row) != len(names) {
				return xerrors.Newf(xerrors.CodeInvalidArgument, "表 %s 第 %d 行有 %d 列，需要 %d 列", spec.Name, start+i, len(row), len(names))
			}
			args = append(args, row...)
		}
		stmt := prefix + strings.TrimSuffix(strings.Repeat(placeholder+", ", len(chunk)), ", ")
		if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTable 在一个事务内删除、重建并写入表。
func (d *DB) ReplaceTable(ctx context.Context, spec TableSpec, rows [][]any) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启建表事务失败")
	}
	steps := []func() error{
		func() error {
			_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.dialect.Quote(spec.Name))
			return err
		},
		func() error {
			_, err := tx.ExecContext(ctx, d.CreateTableSQL(spec))
			return err
		},
		func() error { return d.InsertRows(ctx, tx, spec, rows) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入表 %s 失败", spec.Name))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("提交表 %s 失败", spec.Name))
	}
	return nil
}

// DropTable 删除 name 表，表不存在时不报错。
func (d *DB) DropTable(ctx context.Context, name string) error {
	if _, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.dialect.Quote(name)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("删除表 %s 失败", name))
	}
	return nil
}

// CreateIndex 为 table 的 columns 建立索引，索引已存在时忽略。
func (d *DB) CreateIndex(ctx context.Context, table string, columns []Column) error {
	if len(columns) == 0 {
		return nil
	}
	stmt := d.dialect.CreateIndexSQL(IndexName(table, columns), table, columns)
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		if d.dialect.IgnorableIndexError(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("为表 %s 建立索引失败", table))
	}
	return nil
}

// SaveMethods 写入统计项源码，兼容列表与已有记录合并。
func (d *DB) SaveMethods(ctx context.Context, methods []Method) error {
	if len(methods) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启方法事务失败")
	}
	for _, m := range methods {
		if err := d.saveMethod(ctx, tx, m); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入统计项 %s 失败", m.Name))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交方法事务失败")
	}
	return nil
}

func (d *DB) saveMethod(ctx context.Context, tx *sql.Tx, m Method) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT compatible FROM methods WHERE fingerprint = ?`+d.dialect.LockClause(), m.Fingerprint).Scan(&raw)
	exists := true
	if stdErrors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return err
	}

	var previous []string
	if exists {
		if err := decodeJSON(raw, &previous); err != nil {
			return err
		}
	}
	compatible, err := encodeJSON(MergeCompatible(previous, m.Compatible))
	if err != nil {
		return err
	}

	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE methods SET name = ?, type = ?, code = ?, compatible = ? WHERE fingerprint = ?`,
			m.Name, m.Type, m.Code, compatible, m.Fingerprint)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO methods (fingerprint, name, type, code, compatible) VALUES (?, ?, ?, ?, ?)`,
			m.Fingerprint, m.Name, m.Type, m.Code, compatible)
	}
	return err
}

// MergeCompatible 合并两个兼容指纹列表，去重后排序。
func MergeCompatible(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, fp := range list {
			if fp == "" || seen[fp] {
				continue
			}
			seen[fp] = true
			out = append(out, fp)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateDisplay 修改样本的展示字段，field 取 DisplayColumns 的键。
func (d *DB) UpdateDisplay(ctx context.Context, hash, field, value string) error {
	column, ok := DisplayColumns[field]
	if !ok {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "不支持修改字段 %q", field)
	}
	res, err := d.db.ExecContext(ctx, `UPDATE samples SET `+column+` = ? WHERE hash = ?`, value, hash)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新样本展示信息失败")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var one int
	err = d.db.QueryRowContext(ctx, `SELECT 1 FROM samples WHERE hash = ?`, hash).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrSampleNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询样本失败")
	}
	return nil
}

// Settings 读取 settings 表。
func (d *DB) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询设置失败")
	}
	defer rows.Close()
	settings := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析设置失败")
		}
		settings[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历设置失败")
	}
	return settings, nil
}

// Query 执行只读查询，返回的 []byte 值会转换为字符串。
func (d *DB) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行查询失败")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取查询列失败")
	}
	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析查询结果失败")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历查询结果失败")
	}
	return out, nil
}
