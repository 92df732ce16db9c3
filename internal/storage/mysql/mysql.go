// Package mysql 是客户端/服务器后端，允许多个工作进程并发写入。
package mysql

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

const (
	errDuplicateKeyName     = 1061
	errNotAllowedCommand    = 1148
	errLocalFilesDisabled   = 3948
	errLoadDataInfileDenied = 2068
)

const (
	maxIdentifier = 64
	shadowSuffix  = "__new"
	oldSuffix     = "__old"
)

// identifiers 返回替换 name 表时会用到的全部表名。
func identifiers(name string) []string {
	return []string{name, name + shadowSuffix, name + oldSuffix}
}

// Store 是 MySQL 后端。
type Store struct {
	*storage.DB
	bulk bool
}

// Open 建立连接池。
func Open(ctx context.Context, cfg Config, opts ...storage.Option) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 失败")
	}
	return NewStore(storage.New(db, Dialect, opts...), cfg.BulkLoad), nil
}

// NewStore 包装已构造的 DB。
func NewStore(db *storage.DB, bulk bool) *Store {
	return &Store{DB: db, bulk: bulk}
}

// ReplaceTable 先写入影子表，再用一条 RENAME TABLE 原子替换，读者不会看到半成品。
func (s *Store) ReplaceTable(ctx context.Context, spec storage.TableSpec, rows [][]any) error {
	for _, name := range identifiers(spec.Name) {
		if len(name) > maxIdentifier {
			return xerrors.Newf(xerrors.CodeConfiguration, "表名 %s 超过 MySQL 的 %d 字符限制", name, maxIdentifier)
		}
	}
	d := s.Dialect()
	shadow := storage.TableSpec{Name: spec.Name + shadowSuffix, Columns: spec.Columns}
	old := spec.Name + oldSuffix
	db := s.SQL()

	fail := func(err error, stage string) error {
		db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.Quote(shadow.Name))
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("%s表 %s 失败", stage, spec.Name))
	}

	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.Quote(shadow.Name)); err != nil {
		return fail(err, "清理影子")
	}
	if _, err := db.ExecContext(ctx, s.CreateTableSQL(shadow)); err != nil {
		return fail(err, "创建影子")
	}
	if err := s.load(ctx, shadow, rows); err != nil {
		return fail(err, "写入")
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+d.Quote(spec.Name)+" LIKE "+d.Quote(shadow.Name)); err != nil {
		return fail(err, "准备")
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.Quote(old)); err != nil {
		return fail(err, "清理旧")
	}
	if _, err := db.ExecContext(ctx, "RENAME TABLE "+d.Quote(spec.Name)+" TO "+d.Quote(old)+", "+
		d.Quote(shadow.Name)+" TO "+d.Quote(spec.Name)); err != nil {
		return fail(err, "替换")
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.Quote(old)); err != nil {
		s.Logger().Warn("删除旧结果表失败", "table", old, "error", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, spec storage.TableSpec, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if s.bulk {
		err := s.loadData(ctx, spec, rows)
		if err == nil || !localInfileRefused(err) {
			return err
		}
		s.Logger().Warn("服务器拒绝 LOAD DATA LOCAL，改用 INSERT", "table", spec.Name, "error", err)
	}

	tx, err := s.SQL().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.InsertRows(ctx, tx, spec, rows); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) loadData(ctx context.Context, spec storage.TableSpec, rows [][]any) error {
	payload, err := EncodeTSV(rows)
	if err != nil {
		return err
	}
	handler := "seqc-" + uuid.NewString()
	driver.RegisterReaderHandler(handler, func() io.Reader { return bytes.NewReader(payload) })
	defer driver.DeregisterReaderHandler(handler)

	d := s.Dialect()
	cols := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		cols[i] = d.Quote(c.Name)
	}
	_, err = s.SQL().ExecContext(ctx, "LOAD DATA LOCAL INFILE 'Reader::"+handler+"' INTO TABLE "+d.Quote(spec.Name)+
		" FIELDS TERMINATED BY '\\t' ESCAPED BY '\\\\' LINES TERMINATED BY '\\n' ("+strings.Join(cols, ", ")+")")
	return err
}

func localInfileRefused(err error) bool {
	var me *driver.MySQLError
	if !stdErrors.As(err, &me) {
		return false
	}
	switch me.Number {
	case errNotAllowedCommand, errLocalFilesDisabled, errLoadDataInfileDenied:
		return true
	}
	return false
}

var tsvEscaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

// EncodeTSV 按 LOAD DATA 的默认转义规则编码行，nil 写作 \N。
func EncodeTSV(rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	for _, row := range rows {
		for i, v := range row {
			if i > 0 {
				buf.WriteByte('\t')
			}
			switch x := v.(type) {
			case nil:
				buf.WriteString(`\N`)
			case string:
				buf.WriteString(tsvEscaper.Replace(x))
			case int:
				buf.WriteString(strconv.Itoa(x))
			case int64:
				buf.WriteString(strconv.FormatInt(x, 10))
			case float64:
				buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
			case bool:
				if x {
					buf.WriteByte('1')
				} else {
					buf.WriteByte('0')
				}
			default:
				return nil, fmt.Errorf("无法编码 %T 类型的值", v)
			}
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type dialect struct{}

// Dialect 是 MySQL 方言。
var Dialect storage.Dialect = dialect{}

// TextIndexPrefix 是文本列参与索引时的前缀长度。
const TextIndexPrefix = 64

func (dialect) Name() string { return "mysql" }

func (dialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (dialect) ColumnType(t plugin.SQLType) string {
	switch t {
	case plugin.TypeInt:
		return "BIGINT"
	case plugin.TypeReal:
		return "DOUBLE"
	default:
		return "TEXT"
	}
}

func (d dialect) IndexColumn(c storage.Column) string {
	if c.Type == plugin.TypeInt || c.Type == plugin.TypeReal {
		return d.Quote(c.Name)
	}
	return fmt.Sprintf("%s(%d)", d.Quote(c.Name), TextIndexPrefix)
}

func (d dialect) CreateIndexSQL(name, table string, columns []storage.Column) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = d.IndexColumn(c)
	}
	return "CREATE INDEX " + d.Quote(name) + " ON " + d.Quote(table) + " (" + strings.Join(cols, ", ") + ")"
}

func (dialect) IgnorableIndexError(err error) bool {
	var me *driver.MySQLError
	return stdErrors.As(err, &me) && me.Number == errDuplicateKeyName
}

func (dialect) LockClause() string { return " FOR UPDATE" }

func (dialect) CaseSensitiveLike() string { return "LIKE BINARY" }
