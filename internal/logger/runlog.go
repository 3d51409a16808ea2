package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	runLogMutex sync.Mutex
)

// RunLogEntry 一次告警全量检查的执行记录
type RunLogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	UserID        string         `json:"user_id"`
	Trigger       string         `json:"trigger"` // scheduler, manual
	Status        string         `json:"status"`  // ok, error, skipped
	AlertsCreated int            `json:"alerts_created"`
	DurationMs    int64          `json:"duration_ms"`
	Error         string         `json:"error,omitempty"`
	Summary       map[string]int `json:"summary,omitempty"`
}

// InitRunLog 创建执行记录目录
func InitRunLog(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// WriteRunLog 追加一条执行记录: logs/runs-2026-01-14.jsonl
func WriteRunLog(logDir string, entry *RunLogEntry) error {
	runLogMutex.Lock()
	defer runLogMutex.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	date := entry.Timestamp.Format("2006-01-02")
	logFilePath := filepath.Join(logDir, fmt.Sprintf("runs-%s.jsonl", date))

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}

	return nil
}

// RunLogQuery 执行记录查询条件
type RunLogQuery struct {
	UserID    string     `json:"userId,omitempty"`
	Status    string     `json:"status,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// RunLogResult 查询结果
type RunLogResult struct {
	Total int            `json:"total"`
	Runs  []*RunLogEntry `json:"runs"`
}

// QueryRunLogs 按日期文件扫描执行记录，最新的在前
func QueryRunLogs(logDir string, req *RunLogQuery) (*RunLogResult, error) {
	result := &RunLogResult{
		Runs: make([]*RunLogEntry, 0),
	}

	now := time.Now().UTC()
	startDate := now.AddDate(0, 0, -7) // 默认最近 7 天
	if req.StartTime != nil {
		startDate = req.StartTime.UTC()
	}
	endDate := now
	if req.EndTime != nil {
		endDate = req.EndTime.UTC()
	}

	matched := make([]*RunLogEntry, 0)
	for d := startDate; !d.After(endDate.AddDate(0, 0, 1)); d = d.AddDate(0, 0, 1) {
		logFilePath := filepath.Join(logDir, fmt.Sprintf("runs-%s.jsonl", d.Format("2006-01-02")))
		if _, err := os.Stat(logFilePath); os.IsNotExist(err) {
			continue
		}

		entries, err := readRunLogFile(logFilePath)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if matchesRunQuery(entry, req) {
				matched = append(matched, entry)
			}
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	result.Total = len(matched)
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	start := req.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	if start < end {
		result.Runs = matched[start:end]
	}

	return result, nil
}

func readRunLogFile(logFilePath string) ([]*RunLogEntry, error) {
	file, err := os.Open(logFilePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]*RunLogEntry, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var entry RunLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // 跳过损坏的行
		}
		entries = append(entries, &entry)
	}

	return entries, scanner.Err()
}

func matchesRunQuery(entry *RunLogEntry, req *RunLogQuery) bool {
	if req.UserID != "" && entry.UserID != req.UserID {
		return false
	}
	if req.Status != "" && entry.Status != req.Status {
		return false
	}
	if req.StartTime != nil && entry.Timestamp.Before(*req.StartTime) {
		return false
	}
	if req.EndTime != nil && entry.Timestamp.After(*req.EndTime) {
		return false
	}
	return true
}
