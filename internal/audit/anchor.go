package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Anchor is the chain head and record count of one day's audit file.
type Anchor struct {
	Date        string `json:"date"`
	ChainHash   string `json:"chain_hash"`
	RecordCount int    `json:"record_count"`
	CreatedAt   string `json:"created_at"`
}

const anchorsFile = "anchors.jsonl"

func LoadAnchors(auditDir string) ([]Anchor, error) {
	path := filepath.Join(auditDir, anchorsFile)
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
	lines := strings.Split(content, "\n")
	var anchors []Anchor
	for _, line := range lines {
		var a Anchor
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil, fmt.Errorf("parse anchor: %w", err)
		}
		anchors = append(anchors, a)
	}
	return anchors, nil
}

func WriteAnchor(auditDir string, anchor Anchor) error {
	existing, err := LoadAnchors(auditDir)
	if err != nil {
		return err
	}
	found := false
	for i, a := range existing {
		if a.Date == anchor.Date {
			existing[i] = anchor
			found = true
			break
		}
	}
	if !found {
		existing = append(existing, anchor)
	}
	path := filepath.Join(auditDir, anchorsFile)
	tmp := path + ".tmp"
	var buf strings.Builder
	for _, a := range existing {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(buf.String()), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MaybeCreateAnchor records today's chain head in anchors.jsonl. Anchors let
// Verify results be compared against a head captured earlier, which catches
// truncation of the newest records. Returns (true, nil) if an anchor was
// created or updated.
func MaybeCreateAnchor(logger *Logger) (bool, error) {
	today := time.Now().Format("2006-01-02")
	hash, count, err := logger.LastHashForDate(today)
	if err != nil {
		return false, fmt.Errorf("read audit records: %w", err)
	}
	if count == 0 {
		return false, nil
	}
	existing, err := LoadAnchors(logger.Dir())
	if err != nil {
		return false, fmt.Errorf("load anchors: %w", err)
	}
	for _, a := range existing {
		if a.Date == today && a.ChainHash == hash {
			return false, nil
		}
	}
	anchor := Anchor{
		Date:        today,
		ChainHash:   hash,
		RecordCount: count,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := WriteAnchor(logger.Dir(), anchor); err != nil {
		return false, fmt.Errorf("write anchor: %w", err)
	}
	return true, nil
}

// CheckAnchors compares every recorded anchor with the current audit files
// and returns the dates whose records no longer reach the anchored head.
func CheckAnchors(logger *Logger) ([]string, error) {
	anchors, err := LoadAnchors(logger.Dir())
	if err != nil {
		return nil, fmt.Errorf("load anchors: %w", err)
	}
	var broken []string
	for _, a := range anchors {
		if a.RecordCount <= 0 {
			continue
		}
		records, err := logger.RecordsForDate(a.Date)
		if err != nil {
			return nil, err
		}
		if len(records) < a.RecordCount || records[a.RecordCount-1].Hash != a.ChainHash {
			broken = append(broken, a.Date)
		}
	}
	return broken, nil
}
