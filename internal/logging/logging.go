// Package logging builds the daemon's logrus logger: stderr plus an
// optional size-rotated log file.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kincerb/tools/internal/sshkeys"
)

// Rotation limits for the log file.
const (
	MaxSizeMB  = 1
	MaxBackups = 2
)

// Options configures New.
type Options struct {
	// Verbose of 1 or more selects debug level.
	Verbose int
	// File is the rotating log file; empty disables file output. "~" is
	// expanded.
	File string
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Logger is the process logger and the handle on its log file.
type Logger struct {
	*logrus.Logger

	mu   sync.Mutex
	path string
	file *lumberjack.Logger
}

// New builds the logger. A log file that cannot be prepared is reported on
// the returned logger and file output is skipped; it is not fatal.
func New(opts Options) *Logger {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	l := &Logger{Logger: logrus.New()}
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(stderr)
	l.SetLevel(Level(opts.Verbose))

	if opts.File == "" {
		return l
	}
	path, err := prepare(opts.File)
	if err != nil {
		l.WithError(err).Warn("file logging disabled")
		return l
	}
	l.path = path
	l.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxSizeMB,
		MaxBackups: MaxBackups,
	}
	l.SetOutput(io.MultiWriter(stderr, l.file))
	l.WithField("path", path).Debug("logging to file")
	return l
}

// Level maps a -v count to a logrus level.
func Level(verbose int) logrus.Level {
	if verbose > 0 {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

func prepare(file string) (string, error) {
	path, err := sshkeys.ExpandPath(file)
	if err != nil {
		return "", fmt.Errorf("expand log path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return path, nil
}

// Path returns the log file path, or "" when file output is off.
func (l *Logger) Path() string { return l.path }

// ReadTail returns the last n lines of the current log file.
func (l *Logger) ReadTail(n int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" || n <= 0 {
		return "", nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
