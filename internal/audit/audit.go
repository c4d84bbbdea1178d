// Package audit writes the daily plain-text operations log and the daily
// trade CSV. These files are the operator-facing record; structured zap
// logging stays on stdout.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category tags for the plain-text log.
const (
	CategoryBoot      = "BOOT"
	CategoryShutdown  = "SHUTDOWN"
	CategoryCrash     = "CRASH"
	CategoryTrade     = "TRADE"
	CategoryClose     = "CLOSE"
	CategoryLifecycle = "LIFECYCLE"
	CategoryAPI       = "API"
	CategoryEngine    = "ENGINE"
	CategoryLedger    = "LEDGER"
	CategoryError     = "ERROR"
)

var csvHeader = []string{"timestamp", "profileAddress", "marketQuestion", "side", "size", "price", "intent"}

// Logger appends to logs/bot_YYYY-MM-DD.txt and logs/trades_YYYY-MM-DD.csv,
// rolling both files at the UTC date boundary.
type Logger struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
	now    func() time.Time

	day     string
	textF   *os.File
	tradesF *os.File
	csvW    *csv.Writer
}

func New(dir string, logger *zap.Logger) *Logger {
	return &Logger{dir: dir, logger: logger, now: time.Now}
}

// Log appends one tagged line to the daily text log.
func (l *Logger) Log(category, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if err := l.rotateLocked(now); err != nil {
		l.warn(err)
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), category, fmt.Sprintf(format, args...))
	if _, err := l.textF.WriteString(line); err != nil {
		l.warn(err)
	}
}

// TradeRow is one line of the daily trade CSV.
type TradeRow struct {
	Timestamp      time.Time
	ProfileAddress string
	MarketQuestion string
	Side           string
	Size           float64
	Price          float64
	Intent         string
}

// Trade appends one row to the daily CSV, writing the header on a new file.
func (l *Logger) Trade(row TradeRow) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if err := l.rotateLocked(now); err != nil {
		l.warn(err)
		return
	}
	err := l.csvW.Write([]string{
		row.Timestamp.UTC().Format(time.RFC3339),
		row.ProfileAddress,
		row.MarketQuestion,
		row.Side,
		strconv.FormatFloat(row.Size, 'f', -1, 64),
		strconv.FormatFloat(row.Price, 'f', -1, 64),
		row.Intent,
	})
	if err != nil {
		l.warn(err)
		return
	}
	l.csvW.Flush()
	if err := l.csvW.Error(); err != nil {
		l.warn(err)
	}
}

// Close flushes and closes the open files.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Logger) closeLocked() error {
	var firstErr error
	if l.csvW != nil {
		l.csvW.Flush()
		if err := l.csvW.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.csvW = nil
	}
	if l.tradesF != nil {
		if err := l.tradesF.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.tradesF = nil
	}
	if l.textF != nil {
		if err := l.textF.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.textF = nil
	}
	l.day = ""
	return firstErr
}

func (l *Logger) rotateLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if day == l.day && l.textF != nil && l.tradesF != nil {
		return nil
	}
	if err := l.closeLocked(); err != nil {
		l.warn(err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	textF, err := os.OpenFile(filepath.Join(l.dir, "bot_"+day+".txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	tradesPath := filepath.Join(l.dir, "trades_"+day+".csv")
	info, statErr := os.Stat(tradesPath)
	fresh := statErr != nil || info.Size() == 0
	tradesF, err := os.OpenFile(tradesPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		textF.Close()
		return err
	}
	l.textF = textF
	l.tradesF = tradesF
	l.csvW = csv.NewWriter(tradesF)
	l.day = day
	if fresh {
		if err := l.csvW.Write(csvHeader); err != nil {
			return err
		}
		l.csvW.Flush()
	}
	return nil
}

func (l *Logger) warn(err error) {
	if l.logger != nil {
		l.logger.Warn("audit write failed", zap.Error(err))
	}
}
