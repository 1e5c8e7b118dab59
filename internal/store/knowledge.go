// Package store persists human-readable records of analyses, deployments, and
// failures in a local SQLite database so later cycles can learn from them.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"codevolve/internal/logging"
)

// Record is one stored knowledge entry.
type Record struct {
	ID        int64
	Content   string
	CreatedAt time.Time
}

// KnowledgeStore is the pipeline's memory of past outcomes.
type KnowledgeStore struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens (or creates) the knowledge database at dbPath.
func New(dbPath string) (*KnowledgeStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge db: %w", err)
	}

	s := &KnowledgeStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("knowledge store opened at %s", dbPath)
	return s, nil
}

func (s *KnowledgeStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create knowledge_records table: %w", err)
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_created ON knowledge_records(created_at)`)
	return nil
}

// Close releases the underlying database.
func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// Add stores the records, deduplicating by content hash. Duplicate entries
// are silently skipped.
func (s *KnowledgeStore) Add(records []string) error {
	timer := logging.StartTimer(logging.CategoryStore, "Add")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin add transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO knowledge_records (content, content_hash) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if strings.TrimSpace(record) == "" {
			continue
		}
		if _, err := stmt.Exec(record, contentHash(record)); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit add: %w", err)
	}

	logging.StoreDebug("added %d record(s)", len(records))
	return nil
}

// Search returns up to limit records ranked by keyword overlap with the
// query, recency breaking ties. An empty query returns the newest records.
func (s *KnowledgeStore) Search(query string, limit int) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT content, created_at FROM knowledge_records ORDER BY created_at DESC LIMIT 500`)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	type scored struct {
		content string
		created time.Time
		score   float64
	}

	keywords := queryKeywords(query)
	var candidates []scored
	for rows.Next() {
		var content string
		var created time.Time
		if err := rows.Scan(&content, &created); err != nil {
			return nil, fmt.Errorf("search scan failed: %w", err)
		}
		candidates = append(candidates, scored{
			content: content,
			created: created,
			score:   overlapScore(content, keywords),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].created.After(candidates[j].created)
	})

	var results []string
	for _, c := range candidates {
		if len(results) >= limit {
			break
		}
		if len(keywords) > 0 && c.score == 0 {
			continue
		}
		results = append(results, c.content)
	}
	logging.StoreDebug("search %q matched %d record(s)", query, len(results))
	return results, nil
}

func queryKeywords(query string) []string {
	var keywords []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,:;()\"'")
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

func overlapScore(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
