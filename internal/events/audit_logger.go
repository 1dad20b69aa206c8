package events

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	ItemID    string         `json:"item_id,omitempty"`
	TreeID    string         `json:"tree_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger appends entries to a JSONL file, rotating it into an archive
// directory when it would exceed maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{logPath: logPath, maxSize: maxSize}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record writes a notification as an audit entry. It has the Subscriber
// signature so the logger can be attached to a Bus; write failures are
// returned by WriteEntry and dropped here.
func (l *AuditLogger) Record(n Notification) {
	details := map[string]any{}
	if n.State != "" {
		details["state"] = string(n.State)
	}
	if n.HoldKind != "" {
		details["hold_kind"] = string(n.HoldKind)
	}
	if n.Reason != "" {
		details["reason"] = n.Reason
	}
	if n.Error != nil {
		details["error_kind"] = string(n.Error.Kind)
		details["error"] = n.Error.Message
		if chain := n.Error.CauseChain(); len(chain) > 0 {
			details["cause_chain"] = strings.Join(chain, ",")
		}
	}
	if len(n.Affected) > 0 {
		details["affected"] = strings.Join(n.Affected, ",")
	}
	_ = l.WriteEntry(&LogEntry{
		Timestamp: n.Timestamp,
		EventType: string(n.Kind),
		EventID:   n.ID,
		ItemID:    n.ItemID,
		TreeID:    n.TreeID,
		Details:   details,
	})
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if l.enableChecksum {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	return l.openLogFile()
}

func checksum(entry *LogEntry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djb2(data))
}

func djb2(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity returns the number of entries and the number whose
// checksum matches (entries without a checksum count as valid).
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		total++
		if entry.Checksum == "" || checksum(&entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, scanner.Err()
}

// ReadEntries returns every decodable entry in the log, oldest first.
func ReadEntries(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil {
			out = append(out, entry)
		}
	}
	return out, scanner.Err()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
