package storage

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// Dialect 封装两种后端之间的 SQL 差异。
type Dialect interface {
	// Name 同时是迁移文件的子目录名。
	Name() string
	Quote(ident string) string
	ColumnType(t plugin.SQLType) string
	// IndexColumn 返回索引定义中的列表达式（MySQL 的文本列需要前缀长度）。
	IndexColumn(c Column) string
	CreateIndexSQL(name, table string, columns []Column) string
	// IgnorableIndexError 判断创建索引的错误是否只是索引已存在。
	IgnorableIndexError(err error) bool
	// LockClause 追加在 SELECT 末尾，用于事务内锁定行。
	LockClause() string
	// CaseSensitiveLike 返回区分大小写的 LIKE 运算符。
	CaseSensitiveLike() string
}

// IndexName 为表与列生成稳定且不超过 64 字符的索引名。
func IndexName(table string, columns []Column) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	sum := md5.Sum([]byte(table + "|" + strings.Join(names, ",")))
	return "ix_" + hex.EncodeToString(sum[:8])
}
