// Package audit keeps a hash-chained, append-only JSONL trail of operator
// actions (downloads, applies, rollbacks, retention runs). Each record
// carries the hash of its predecessor so edits or deletions are detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lyndonlyu/upkeep/internal/redact"
)

// Actions recorded by the pipeline.
const (
	ActionDownload = "download"
	ActionApply    = "apply"
	ActionRollback = "rollback"
	ActionGC       = "gc"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// dateFileRe matches audit log files named YYYY-MM-DD.jsonl
var dateFileRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// auditFiles returns only date-named .jsonl files from the audit directory,
// excluding non-audit files like anchors.jsonl.
func auditFiles(dir string) ([]string, error) {
	all, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	var filtered []string
	for _, f := range all {
		if dateFileRe.MatchString(filepath.Base(f)) {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

type Entry struct {
	Action      string
	AttemptID   string
	Version     string
	InitiatedBy string
	Outcome     string
	Duration    time.Duration
	Error       string
}

type Record struct {
	Timestamp   string `json:"timestamp"`
	ActionID    string `json:"action_id"`
	Action      string `json:"action"`
	AttemptID   string `json:"attempt_id,omitempty"`
	Version     string `json:"version,omitempty"`
	InitiatedBy string `json:"initiated_by"`
	Outcome     string `json:"outcome"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

type Logger struct {
	mu       sync.Mutex
	dir      string
	lastHash string
	redactor *redact.Redactor
}

func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	l := &Logger{dir: dir}
	l.initLastHash()
	return l, nil
}

func (l *Logger) initLastHash() {
	files, err := auditFiles(l.dir)
	if err != nil || len(files) == 0 {
		return
	}
	sort.Strings(files) // ascending date order
	path := files[len(files)-1]
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("audit: read %s: %v", path, err)
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}
	lines := strings.Split(content, "\n")
	var r Record
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &r); err != nil {
		log.Warnf("audit: last record in %s is unreadable: %v", filepath.Base(path), err)
		return
	}
	l.lastHash = r.Hash
}

func (l *Logger) SetRedactor(r *redact.Redactor) {
	l.redactor = r
}

func computeHash(r Record) string {
	r.Hash = ""
	data, _ := json.Marshal(r)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	record := Record{
		Timestamp:   now.UTC().Format(time.RFC3339),
		ActionID:    uuid.New().String(),
		Action:      entry.Action,
		AttemptID:   entry.AttemptID,
		Version:     entry.Version,
		InitiatedBy: entry.InitiatedBy,
		Outcome:     entry.Outcome,
		DurationMs:  entry.Duration.Milliseconds(),
		Error:       l.redactor.Redact(entry.Error),
		PrevHash:    l.lastHash,
	}
	record.Hash = computeHash(record)

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := filepath.Join(l.dir, now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Write(data); err != nil {
		return err
	}
	l.lastHash = record.Hash
	return nil
}

// Recent returns up to n records, newest first.
func (l *Logger) Recent(n int) ([]Record, error) {
	files, err := auditFiles(l.dir)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var records []Record
	for _, f := range files {
		if len(records) >= n {
			break
		}
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if len(records) >= n {
				break
			}
			var r Record
			if err := json.Unmarshal([]byte(lines[i]), &r); err != nil {
				continue
			}
			records = append(records, r)
		}
	}
	return records, nil
}

// Verify walks every record in order. It returns the index of the first
// record whose hash or chain link does not match, or -1 when the chain is
// intact.
func (l *Logger) Verify() (bool, int, error) {
	files, err := auditFiles(l.dir)
	if err != nil {
		return false, -1, err
	}
	sort.Strings(files)

	var expectedPrevHash string
	index := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return false, -1, err
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		for _, line := range strings.Split(content, "\n") {
			var r Record
			if err := json.Unmarshal([]byte(line), &r); err != nil {
				return false, index, nil
			}
			if computeHash(r) != r.Hash || r.PrevHash != expectedPrevHash {
				return false, index, nil
			}
			expectedPrevHash = r.Hash
			index++
		}
	}
	return true, -1, nil
}

func (l *Logger) RecordsForDate(date string) ([]Record, error) {
	path := filepath.Join(l.dir, date+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, nil
	}
	var records []Record
	for _, line := range strings.Split(content, "\n") {
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("parse audit record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (l *Logger) LastHashForDate(date string) (string, int, error) {
	records, err := l.RecordsForDate(date)
	if err != nil {
		return "", 0, err
	}
	if len(records) == 0 {
		return "", 0, nil
	}
	return records[len(records)-1].Hash, len(records), nil
}

func (l *Logger) Dir() string {
	return l.dir
}
