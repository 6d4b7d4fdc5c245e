package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type Logger interface {
	Log(info *MetricsInfo)
}

// ZapLogger writes metrics documents as structured log entries.
type ZapLogger struct {
	log *zap.Logger
}

func NewZapLogger(log *zap.Logger) *ZapLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapLogger{log: log.Named("metrics")}
}

func (l *ZapLogger) Log(info *MetricsInfo) {
	fields := []zap.Field{
		zap.String("task", info.Task),
		zap.String("task_time", info.TaskTime),
		zap.Duration("task_duration", info.TaskDuration),
	}
	if info.Loader != nil {
		fields = append(fields, zap.Any("loader", info.Loader))
	}
	if info.Overlap != nil {
		fields = append(fields, zap.Any("overlap", info.Overlap))
	}
	if info.Profile != nil {
		fields = append(fields, zap.Any("profile", info.Profile))
	}
	l.log.Info("task metrics", fields...)
}

const defaultQueueSize = 2000
const defaultMaxLogFileSize = 64 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger appends one JSON document per line to LogDir/metrics.log,
// rotating to metrics.log.N once the file exceeds MaxLogFileSize.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int

	log  *zap.Logger
	done chan struct{}
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, log *zap.Logger) (*FileLogger, error) {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	l := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		log:            log.Named("metrics"),
		done:           make(chan struct{}),
	}
	go l.startLogWriter()
	return l, nil
}

// Log queues info; entries are dropped when the queue is full.
func (l *FileLogger) Log(info *MetricsInfo) {
	select {
	case l.MetricsQueue <- info:
	default:
		l.log.Warn("metrics queue full, dropping entry", zap.String("task", info.Task))
	}
}

// Close flushes queued entries and stops the writer.
func (l *FileLogger) Close() {
	close(l.MetricsQueue)
	<-l.done
}

func (l *FileLogger) logFilePath() string {
	return filepath.Join(l.LogDir, "metrics.log")
}

func (l *FileLogger) startLogWriter() {
	defer close(l.done)
	f, err := l.openLogFile()
	if err != nil {
		l.log.Error("log open error", zap.Error(err))
	}

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			l.log.Error("metrics encode error", zap.Error(err))
			continue
		}
		f, err = l.tryRotateLogFile(f)
		if err != nil || f == nil {
			continue
		}
		if _, err := f.WriteString(infoStr); err != nil {
			l.log.Error("metrics write error", zap.Error(err))
			continue
		}
		f.Sync()
	}
	if f != nil {
		f.Close()
	}
}

func (l *FileLogger) openLogFile() (*os.File, error) {
	return os.OpenFile(l.logFilePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File) (*os.File, error) {
	if currFile == nil {
		return l.openLogFile()
	}
	info, err := currFile.Stat()
	if err != nil {
		l.log.Error("log rotation error", zap.Error(err))
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	rotated, err := l.nextRotatedPath()
	if err != nil {
		l.log.Error("log rotation error", zap.Error(err))
		return currFile, nil
	}
	currFile.Close()
	if err := os.Rename(l.logFilePath(), rotated); err != nil {
		l.log.Error("log rotation error", zap.Error(err))
	} else {
		l.log.Debug("log file rotated", zap.String("path", rotated))
	}
	return l.openLogFile()
}

// nextRotatedPath returns the first unused rotation slot or, when all
// MaxLogFiles slots are taken, the oldest one after removing it.
func (l *FileLogger) nextRotatedPath() (string, error) {
	type slot struct {
		path string
		mod  int64
	}
	var used []slot
	for i := 0; i < l.MaxLogFiles; i++ {
		p := fmt.Sprintf("%s.%d", l.logFilePath(), i)
		st, err := os.Stat(p)
		if os.IsNotExist(err) {
			return p, nil
		}
		if err != nil {
			return "", err
		}
		used = append(used, slot{p, st.ModTime().UnixNano()})
	}
	sort.Slice(used, func(i, j int) bool { return used[i].mod < used[j].mod })
	oldest := used[0].path
	if !strings.HasPrefix(filepath.Base(oldest), "metrics.log.") {
		return "", fmt.Errorf("unexpected rotation slot %s", oldest)
	}
	return oldest, os.Remove(oldest)
}
