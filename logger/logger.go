package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息（正常运行信息）
	WARN                  // 警告信息（需要注意但不影响运行）
	ERROR                 // 错误信息（需要关注的问题）
	FATAL                 // 致命错误（程序无法继续）
)

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	// 文件日志相关
	fileLogger  *log.Logger
	logFile     *os.File
	currentDate string
	fileMu      sync.Mutex
	logDir      = "logs" // 日志文件夹

	// 时区相关
	globalLocation *time.Location = time.Local
	locationMu     sync.RWMutex
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	level = strings.ToUpper(strings.TrimSpace(level))
	switch level {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO // 默认INFO级别
	}
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level

	// 如果设置为DEBUG级别，启用文件日志
	if level == DEBUG {
		initFileLogger()
	} else {
		closeFileLogger()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置全局日志时区
func SetLocation(loc *time.Location) {
	locationMu.Lock()
	defer locationMu.Unlock()
	globalLocation = loc
}

// initFileLogger 初始化文件日志（当日志级别为DEBUG时）
func initFileLogger() {
	fileMu.Lock()
	defer fileMu.Unlock()

	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()

	today := time.Now().In(loc).Format("2006-01-02")
	if fileLogger != nil && currentDate == today {
		return
	}

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		// 如果创建失败，只输出到控制台
		log.Printf("[WARN] 创建日志文件夹失败: %v，将只输出到控制台", err)
		return
	}

	// 按日期命名日志文件
	logFileName := filepath.Join(logDir, fmt.Sprintf("app-pricemesh-%s.log", today))
	file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("[WARN] 打开日志文件失败: %v，将只输出到控制台", err)
		return
	}

	logFile = file
	currentDate = today
	// 文件日志器不包含时间戳前缀，写入时自行附加
	fileLogger = log.New(file, "", 0)

	log.Printf("[INFO] 文件日志已启用，日志文件: %s", logFileName)
}

// closeFileLogger 关闭文件日志
func closeFileLogger() {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
		fileLogger = nil
		currentDate = ""
	}
}

// checkAndRotateLog 检查并轮转日志文件（如果需要）
// 注意：调用此函数前必须已持有fileMu锁
func checkAndRotateLog() {
	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()

	today := time.Now().In(loc).Format("2006-01-02")
	if currentDate != today {
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}

		if err := os.MkdirAll(logDir, 0755); err != nil {
			return
		}

		logFileName := filepath.Join(logDir, fmt.Sprintf("app-pricemesh-%s.log", today))
		file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}

		logFile = file
		currentDate = today
		fileLogger = log.New(file, "", 0)
	}
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	closeFileLogger()
}

// shouldLog 判断是否应该输出日志
func shouldLog(level LogLevel) bool {
	return level >= globalLevel
}

// logf 内部日志输出函数
func logf(level LogLevel, format string, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	prefix := fmt.Sprintf("[%s] ", level.String())
	message := fmt.Sprintf(prefix+format, args...)

	// 输出到控制台（标准输出）
	log.Printf(prefix+format, args...)

	// 如果日志级别为DEBUG，同时写入文件
	if globalLevel == DEBUG {
		fileMu.Lock()
		checkAndRotateLog()
		if fileLogger != nil {
			locationMu.RLock()
			loc := globalLocation
			locationMu.RUnlock()
			fileLogger.Printf("%s %s", time.Now().In(loc).Format("2006/01/02 15:04:05"), message)
		}
		fileMu.Unlock()
	}
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Info 输出信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	Close()
	os.Exit(1)
}
