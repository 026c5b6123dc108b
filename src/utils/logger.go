// Package utils 提供项目通用工具函数
package utils

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var (
	// IsDebugMode 标识是否启用调试模式
	IsDebugMode bool
	once        sync.Once
	logger      = logr.Discard()
)

// InitLogger 初始化日志系统，检测环境变量并设置日志级别
func InitLogger() {
	once.Do(func() {
		debugEnv := os.Getenv("DEBUG_MODE")
		IsDebugMode = strings.ToLower(debugEnv) == "true"

		opts := []zap.Opts{
			zap.UseDevMode(IsDebugMode),
			zap.StacktraceLevel(zapcore.PanicLevel),
			func(o *zap.Options) {
				o.TimeEncoder = zapcore.ISO8601TimeEncoder
			},
		}
		if IsDebugMode {
			opts = append(opts, zap.Level(zapcore.DebugLevel))
		}
		logger = zap.New(opts...).WithName("cert-reconciler")
		ctrllog.SetLogger(logger)

		if IsDebugMode {
			logger.Info("已启用调试模式")
		}
	})
}

// Logger 返回结构化日志记录器
func Logger() logr.Logger {
	return logger
}

// DebugLog 打印调试日志，仅在DEBUG_MODE=true时输出
func DebugLog(format string, v ...interface{}) {
	if IsDebugMode {
		logger.V(1).Info(fmt.Sprintf(format, v...))
	}
}

// InfoLog 打印信息日志
func InfoLog(format string, v ...interface{}) {
	logger.Info(fmt.Sprintf(format, v...))
}

// WarningLog 打印警告日志
func WarningLog(format string, v ...interface{}) {
	logger.Info(fmt.Sprintf(format, v...), "level", "warning")
}

// ErrorLog 打印错误日志
func ErrorLog(format string, v ...interface{}) {
	logger.Error(nil, fmt.Sprintf(format, v...))
}
