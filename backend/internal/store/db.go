package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open 按驱动名打开数据库。mysql 为线上默认，postgres 可选，sqlite 用于本地开发与测试。
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{
		// 把各驱动的唯一键冲突统一翻译成 gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger:         newGormLogger(log),
	})
}

// zapWriter 把 gorm 的日志输出接到 zap
type zapWriter struct{ s *zap.SugaredLogger }

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.s.Warnf(format, args...)
}

func newGormLogger(log *zap.Logger) gormlogger.Interface {
	if log == nil {
		log = zap.NewNop()
	}
	return gormlogger.New(zapWriter{s: log.Named("gorm").Sugar()}, gormlogger.Config{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      gormlogger.Warn,
		// 新文档和未知 id 的查询都会走到 not found，属于正常路径
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Migrate 建表 / 补齐字段。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Document{}, &Collaborator{}, &Snapshot{})
}
