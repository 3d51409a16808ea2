package logger

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "alerts-engine"

// 全局日志实例，调度 worker 与 HTTP 请求并发读取；helper 供本包便捷方法使用（跳过一层调用栈）
var (
	current atomic.Pointer[zap.Logger]
	helper  atomic.Pointer[zap.Logger]
)

func store(l *zap.Logger) {
	current.Store(l)
	helper.Store(l.WithOptions(zap.AddCallerSkip(1)))
}

// Init 按配置创建 JSON 日志：level 为 debug/info/warn/error，output 为 stdout、stderr 或文件路径
func Init(level string, output string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	sink, err := openSink(output)
	if err != nil {
		return err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, zap.NewAtomicLevelAt(lvl))
	store(zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", serviceName)),
	))
	return nil
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// SetLogger 替换全局日志实例（测试中使用 zap.NewNop）
func SetLogger(l *zap.Logger) {
	store(l)
}

// Named 返回带组件名的子日志，供 gin、gorm 等组件使用
func Named(component string) *zap.Logger {
	return GetLogger().Named(component)
}

// GetLogger 返回全局实例；未初始化时退回 info 级别 stdout
func GetLogger() *zap.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	_ = Init("info", "stdout")
	return current.Load()
}

func caller() *zap.Logger {
	if l := helper.Load(); l != nil {
		return l
	}
	GetLogger()
	return helper.Load()
}

func Sync() {
	if l := current.Load(); l != nil {
		_ = l.Sync()
	}
}

func Debug(msg string, fields ...zap.Field) {
	caller().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	caller().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	caller().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	caller().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	caller().Fatal(msg, fields...)
}
