package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger is a leveled logger writing to stdout and, optionally, a size-rotated file
type Logger struct {
	mu          sync.RWMutex
	debug       bool
	file        *os.File
	filePath    string
	maxSizeMB   int
	maxBackups  int
	currentSize int64
	out         io.Writer
	stdLogger   *log.Logger
}

// New creates a logger. An empty filePath logs to stdout only.
func New(filePath string, maxSizeMB, maxBackups int, debug bool) (*Logger, error) {
	return newLogger(os.Stdout, filePath, maxSizeMB, maxBackups, debug)
}

func newLogger(out io.Writer, filePath string, maxSizeMB, maxBackups int, debug bool) (*Logger, error) {
	l := &Logger{
		debug:      debug,
		filePath:   filePath,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		out:        out,
	}

	if filePath == "" {
		l.stdLogger = log.New(out, "", log.LstdFlags)
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := l.openFile(); err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.stdLogger = log.New(io.MultiWriter(out, l.file), "", log.LstdFlags)
	return l, nil
}

// openFile opens the log file for appending
func (l *Logger) openFile() error {
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	l.file = file
	l.currentSize = info.Size()
	return nil
}

// rotateIfNeeded shifts log.N to log.N+1 and starts a fresh file once maxSizeMB is hit.
// Caller holds l.mu.
func (l *Logger) rotateIfNeeded() error {
	if l.filePath == "" || l.maxSizeMB <= 0 {
		return nil
	}
	if l.currentSize < int64(l.maxSizeMB)*1024*1024 {
		return nil
	}

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.filePath, i), fmt.Sprintf("%s.%d", l.filePath, i+1))
	}
	if l.maxBackups > 0 {
		os.Rename(l.filePath, l.filePath+".1")
	}

	if err := l.openFile(); err != nil {
		return err
	}
	l.stdLogger.SetOutput(io.MultiWriter(l.out, l.file))
	return nil
}

// write handles rotation before each line
func (l *Logger) write(prefix, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, v...)
	if prefix != "" {
		msg = prefix + " " + msg
	}

	l.stdLogger.Println(msg)

	if l.file != nil {
		l.currentSize += int64(len(msg) + 1)
		l.rotateIfNeeded()
	}
}

// Printf writes a formatted message
func (l *Logger) Printf(format string, v ...interface{}) {
	l.write("", format, v...)
}

// Println writes a message with newline
func (l *Logger) Println(v ...interface{}) {
	l.write("", "%s", fmt.Sprint(v...))
}

// Debug only writes when debug mode is enabled
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.IsDebug() {
		l.write("[DEBUG]", format, v...)
	}
}

// Info writes an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.write("[INFO]", format, v...)
}

// Warn writes a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.write("[WARN]", format, v...)
}

// Error writes an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.write("[ERROR]", format, v...)
}

// Fatal writes the message and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.write("[FATAL]", format, v...)
	os.Exit(1)
}

// SetDebug enables or disables debug mode
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
	if enabled {
		l.stdLogger.Println("[INFO] Debug mode enabled")
	} else {
		l.stdLogger.Println("[INFO] Debug mode disabled")
	}
}

// IsDebug returns whether debug mode is enabled
func (l *Logger) IsDebug() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debug
}

// FilePath returns the current log file path
func (l *Logger) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Close closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init replaces the global logger
func Init(filePath string, maxSizeMB, maxBackups int, debug bool) error {
	l, err := New(filePath, maxSizeMB, maxBackups, debug)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger != nil {
		globalLogger.Close()
	}
	globalLogger = l
	return nil
}

// Get returns the global logger, or nil before Init
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Global convenience functions
func Printf(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Printf(format, v...)
	}
}

func Println(v ...interface{}) {
	if l := Get(); l != nil {
		l.Println(v...)
	}
}

func Debug(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Debug(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Info(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Warn(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Error(format, v...)
	}
}

func Fatal(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Fatal(format, v...)
	}
}

func SetDebug(enabled bool) {
	if l := Get(); l != nil {
		l.SetDebug(enabled)
	}
}

func IsDebug() bool {
	if l := Get(); l != nil {
		return l.IsDebug()
	}
	return false
}
