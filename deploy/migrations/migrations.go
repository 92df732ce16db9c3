package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，每种数据库方言一个子目录。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// For 返回指定方言（mysql 或 sqlite）的迁移文件。
func For(dialect string) (fs.FS, error) {
	if _, err := fs.Stat(Files, dialect); err != nil {
		return nil, fmt.Errorf("没有 %s 方言的迁移文件: %w", dialect, err)
	}
	return fs.Sub(Files, dialect)
}
