package database

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlowQuery aggregates every slow execution of one normalized statement.
type SlowQuery struct {
	Query       string        `json:"query"`
	TableName   string        `json:"table_name"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
	MaxDuration time.Duration `json:"max_duration_ns"`
	LastSeen    time.Time     `json:"last_seen"`
	CallCount   int           `json:"call_count"`
}

// SlowQueryLogger keeps a bounded in-memory table of statements that ran at or
// above threshold and logs each occurrence at warn level.
type SlowQueryLogger struct {
	mu         sync.RWMutex
	queries    map[string]*SlowQuery
	maxEntries int
	threshold  time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewSlowQueryLogger(threshold time.Duration, maxEntries int, logger *zap.Logger) *SlowQueryLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries <= 0 {
		maxEntries = slowQueryMaxEntries
	}
	return &SlowQueryLogger{
		queries:    make(map[string]*SlowQuery),
		maxEntries: maxEntries,
		threshold:  threshold,
		logger:     logger.With(zap.String("component", "slow_queries")),
		now:        time.Now,
	}
}

// Record notes one execution. Queries under the threshold are ignored.
func (l *SlowQueryLogger) Record(query string, duration time.Duration) {
	if l == nil || duration < l.threshold {
		return
	}

	normalized := normalizeQuery(query)
	key := hashQuery(normalized)
	table := extractTableName(normalized)

	l.logger.Warn("Slow query",
		zap.String("table", table),
		zap.Duration("duration", duration),
		zap.String("query", truncateQuery(normalized)),
	)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.queries[key]; ok {
		total := existing.AvgDuration*time.Duration(existing.CallCount) + duration
		existing.CallCount++
		existing.AvgDuration = total / time.Duration(existing.CallCount)
		if duration > existing.MaxDuration {
			existing.MaxDuration = duration
		}
		existing.LastSeen = l.now()
		return
	}

	l.queries[key] = &SlowQuery{
		Query:       truncateQuery(normalized),
		TableName:   table,
		AvgDuration: duration,
		MaxDuration: duration,
		LastSeen:    l.now(),
		CallCount:   1,
	}
	if len(l.queries) > l.maxEntries {
		l.evictOldest()
	}
}

// Snapshot returns a copy of the current table.
func (l *SlowQueryLogger) Snapshot() []SlowQuery {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SlowQuery, 0, len(l.queries))
	for _, q := range l.queries {
		out = append(out, *q)
	}
	return out
}

func (l *SlowQueryLogger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.queries)
}

func (l *SlowQueryLogger) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, q := range l.queries {
		if oldestKey == "" || q.LastSeen.Before(oldest) {
			oldest = q.LastSeen
			oldestKey = key
		}
	}
	delete(l.queries, oldestKey)
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func hashQuery(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

func extractTableName(normalized string) string {
	fields := strings.Fields(normalized)
	for i, f := range fields {
		switch f {
		case "from", "into", "update", "table":
			if i+1 < len(fields) {
				next := fields[i+1]
				if next == "if" && i+4 < len(fields) {
					// create table if not exists <name>
					next = fields[i+4]
				}
				return strings.Trim(next, "()\",;")
			}
		}
	}
	return "unknown"
}

func truncateQuery(query string) string {
	const maxLen = 200
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
