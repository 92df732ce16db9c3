// Package sqlite 是单文件嵌入式后端。同一时刻只允许一个写者：写入阶段通过
// <db>.lock 上的 flock 在进程之间串行化，索引在整个批次结束后统一创建。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/storage"
	"github.com/JohnLonginotto/SeQC/pkg/plugin"
)

// Config 描述 SQLite 数据库文件。
type Config struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// LockPoll 是等待写锁时的轮询间隔。
	LockPoll time.Duration `yaml:"lock_poll"`
}

// Store 是 SQLite 后端。
type Store struct {
	*storage.DB
	path     string
	lockPath string
	poll     time.Duration
	// local 在进程内串行化写者，flock 负责跨进程。
	local chan struct{}
}

// Open 打开（必要时创建）数据库文件。
func Open(ctx context.Context, cfg Config, opts ...storage.Option) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "SQLite 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据库目录失败")
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 10 * time.Second
	}
	poll := cfg.LockPoll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	db, err := sql.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法打开 SQLite 数据库 %s", path))
	}

	return &Store{
		DB:       storage.New(db, Dialect, opts...),
		path:     path,
		lockPath: path + ".lock",
		poll:     poll,
		local:    make(chan struct{}, 1),
	}, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "case_sensitive_like(1)")
	q.Add("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Path 返回数据库文件路径。
func (s *Store) Path() string { return s.path }

// SingleWriter 恒为 true。
func (s *Store) SingleWriter() bool { return true }

// AcquireWriter 获取进程内与跨进程的独占写锁，ctx 取消时放弃等待。
func (s *Store) AcquireWriter(ctx context.Context) (func(), error) {
	select {
	case s.local <- struct{}{}:
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待写锁超时")
	}

	file, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-s.local
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开写锁文件失败")
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			file.Close()
			<-s.local
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取写锁失败")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			file.Close()
			<-s.local
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待写锁超时")
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		<-s.local
	}, nil
}

type dialect struct{}

// Dialect 是 SQLite 方言。
var Dialect storage.Dialect = dialect{}

func (dialect) Name() string { return "sqlite" }

func (dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (dialect) ColumnType(t plugin.SQLType) string {
	switch t {
	case plugin.TypeInt:
		return "INTEGER"
	case plugin.TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (d dialect) IndexColumn(c storage.Column) string { return d.Quote(c.Name) }

func (d dialect) CreateIndexSQL(name, table string, columns []storage.Column) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = d.IndexColumn(c)
	}
	return "CREATE INDEX IF NOT EXISTS " + d.Quote(name) + " ON " + d.Quote(table) + " (" + strings.Join(cols, ", ") + ")"
}

func (dialect) IgnorableIndexError(error) bool { return false }

func (dialect) LockClause() string { return "" }

// 连接时已开启 case_sensitive_like。
func (dialect) CaseSensitiveLike() string { return "LIKE" }
