package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zach-source/idleguard/internal/util"
)

const dateLayout = "2006-01-02"

// RollerConfig configures audit log rotation behavior
type RollerConfig struct {
	Dir           string        `json:"dir,omitempty"`   // Log directory; empty means the data directory
	MaxDays       int           `json:"max_days"`        // Maximum days to keep logs (0 = keep all)
	RotateOnStart bool          `json:"rotate_on_start"` // Whether to open today's file on startup
	FlushInterval time.Duration `json:"-"`               // How often to flush logs to disk
}

// DefaultRollerConfig returns sensible defaults for log rotation
func DefaultRollerConfig() RollerConfig {
	return RollerConfig{
		MaxDays:       30,
		RotateOnStart: true,
		FlushInterval: 5 * time.Second,
	}
}

// Roller manages audit log rotation and retention
type Roller struct {
	config      RollerConfig
	baseDir     string
	currentFile *os.File
	currentDate string
	now         func() time.Time
	mu          sync.Mutex
	flushTimer  *time.Timer
	cleanup     sync.WaitGroup
}

// NewRoller creates a new audit log roller
func NewRoller(config RollerConfig) (*Roller, error) {
	dir := config.Dir
	if dir == "" {
		dataDir, err := util.DataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get data directory: %w", err)
		}
		dir = dataDir
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	roller := &Roller{
		config:  config,
		baseDir: dir,
		now:     time.Now,
	}

	if config.RotateOnStart {
		roller.mu.Lock()
		err := roller.rotateIfNeeded()
		roller.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed initial log rotation: %w", err)
		}
	}

	if config.FlushInterval > 0 {
		roller.flushTimer = time.AfterFunc(config.FlushInterval, roller.scheduleFlush)
	}

	return roller, nil
}

// Dir is the directory the roller writes to.
func (r *Roller) Dir() string { return r.baseDir }

// Write writes data to the current log file, rotating if necessary
func (r *Roller) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rotateIfNeeded(); err != nil {
		return fmt.Errorf("log rotation failed: %w", err)
	}
	if r.currentFile == nil {
		return fmt.Errorf("no current log file available")
	}

	_, err := r.currentFile.Write(data)
	return err
}

// rotateIfNeeded must be called with r.mu held.
func (r *Roller) rotateIfNeeded() error {
	currentDate := r.now().Format(dateLayout)
	if currentDate == r.currentDate && r.currentFile != nil {
		return nil
	}

	if r.currentFile != nil {
		r.currentFile.Close()
		r.currentFile = nil
	}

	logPath := r.pathFor(currentDate)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	r.currentFile = file
	r.currentDate = currentDate

	if r.config.MaxDays > 0 {
		cutoff := r.now().AddDate(0, 0, -r.config.MaxDays)
		r.cleanup.Add(1)
		go func() {
			defer r.cleanup.Done()
			r.cleanupOldLogs(cutoff)
		}()
	}

	return nil
}

// cleanupOldLogs removes log files dated before cutoff
func (r *Roller) cleanupOldLogs(cutoff time.Time) {
	files, err := listLogFiles(r.baseDir)
	if err != nil {
		return
	}

	for _, file := range files {
		fileDate, ok := dateOf(file)
		if !ok {
			continue
		}
		if fileDate.Before(cutoff) {
			os.Remove(file)
		}
	}
}

func dateOf(file string) (time.Time, bool) {
	base := filepath.Base(file)
	if !strings.HasPrefix(base, "audit-") || !strings.HasSuffix(base, ".log") {
		return time.Time{}, false
	}
	d, err := time.Parse(dateLayout, strings.TrimSuffix(strings.TrimPrefix(base, "audit-"), ".log"))
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// scheduleFlush flushes the current log file and reschedules
func (r *Roller) scheduleFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentFile != nil {
		r.currentFile.Sync()
	}
	if r.flushTimer != nil && r.config.FlushInterval > 0 {
		r.flushTimer = time.AfterFunc(r.config.FlushInterval, r.scheduleFlush)
	}
}

// Close closes the current log file and stops the flush timer
func (r *Roller) Close() error {
	r.mu.Lock()
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	var err error
	if r.currentFile != nil {
		err = r.currentFile.Close()
		r.currentFile = nil
	}
	r.mu.Unlock()

	r.cleanup.Wait()
	return err
}

func (r *Roller) pathFor(date string) string {
	return filepath.Join(r.baseDir, fmt.Sprintf("audit-%s.log", date))
}

// GetCurrentLogPath returns the path to the current log file
func (r *Roller) GetCurrentLogPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentDate == "" {
		return r.pathFor(r.now().Format(dateLayout))
	}
	return r.pathFor(r.currentDate)
}

// listLogFiles returns the audit log files in dir, oldest first.
func listLogFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
