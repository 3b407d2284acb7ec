package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// KnowledgeModeSearch streams every matching passage.
	KnowledgeModeSearch = "search"
	// KnowledgeModeAnswer streams a single consolidated answer.
	KnowledgeModeAnswer = "answer"

	defaultKnowledgeLimit = 5
	snippetRunes          = 280
)

// KnowledgeAdapter answers queries from a local SQLite document store. It is
// the knowledge-base endpoint exposed as one more provider variant.
type KnowledgeAdapter struct {
	db    *sql.DB
	limit int
}

// Document is a knowledge-base entry.
type Document struct {
	ID        string
	KBID      string
	Title     string
	Content   string
	UpdatedAt time.Time
}

type scoredDocument struct {
	Document
	score int
}

// NewKnowledgeAdapter opens (and initializes) the SQLite store at cfg.DBPath.
func NewKnowledgeAdapter(cfg Config) (*KnowledgeAdapter, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	a := &KnowledgeAdapter{db: db, limit: defaultKnowledgeLimit}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *KnowledgeAdapter) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kb_documents (
			id TEXT PRIMARY KEY,
			kb_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kb_documents_kb ON kb_documents(kb_id);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Kind implements Adapter.
func (a *KnowledgeAdapter) Kind() Kind { return KindKnowledge }

// Close closes the database.
func (a *KnowledgeAdapter) Close() error {
	return a.db.Close()
}

// Ingest stores a document and returns its id.
func (a *KnowledgeAdapter) Ingest(ctx context.Context, kbID, title, content string) (string, error) {
	if kbID == "" {
		return "", errors.New("knowledge base id is required")
	}
	id := uuid.New().String()
	_, err := a.db.ExecContext(ctx,
		"INSERT INTO kb_documents (id, kb_id, title, content, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, kbID, title, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return id, nil
}

// Open implements Adapter. The query is the latest user message; the scope
// comes from req.Knowledge.
func (a *KnowledgeAdapter) Open(ctx context.Context, req Request) (Stream, error) {
	query := strings.TrimSpace(req.LastUser())
	if query == "" {
		return nil, errors.New("knowledge query is empty")
	}
	var scope KnowledgeScope
	if req.Knowledge != nil {
		scope = *req.Knowledge
	}

	return startStream(ctx, string(KindKnowledge), nil, func(ctx context.Context, emit emitFunc) (Chunk, error) {
		docs, err := a.search(ctx, query, scope.IDs)
		if err != nil {
			return Chunk{}, err
		}
		if len(docs) == 0 {
			return Chunk{}, emit(Chunk{Delta: "No matching documents found."})
		}

		if scope.Mode == KnowledgeModeAnswer {
			titles := make([]string, 0, len(docs))
			for _, d := range docs {
				titles = append(titles, d.Title)
			}
			answer := fmt.Sprintf("%s\n\nSources: %s", snippet(docs[0].Content), strings.Join(titles, ", "))
			return Chunk{}, emit(Chunk{Delta: answer})
		}

		for i, d := range docs {
			passage := fmt.Sprintf("[%d] %s\n%s\n\n", i+1, d.Title, snippet(d.Content))
			if err := emit(Chunk{Delta: passage}); err != nil {
				return Chunk{}, err
			}
		}
		return Chunk{}, nil
	}), nil
}

// search ranks documents by the number of query-term occurrences.
func (a *KnowledgeAdapter) search(ctx context.Context, query string, scopeIDs []string) ([]scoredDocument, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, term := range terms {
		clauses = append(clauses, "(lower(title) LIKE ? OR lower(content) LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}
	stmt := "SELECT id, kb_id, title, content, updated_at FROM kb_documents WHERE (" + strings.Join(clauses, " OR ") + ")"
	if len(scopeIDs) > 0 {
		stmt += " AND kb_id IN (?" + strings.Repeat(", ?", len(scopeIDs)-1) + ")"
		for _, id := range scopeIDs {
			args = append(args, id)
		}
	}

	rows, err := a.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge query failed: %w", err)
	}
	defer rows.Close()

	var docs []scoredDocument
	for rows.Next() {
		var (
			d       scoredDocument
			updated int64
		)
		if err := rows.Scan(&d.ID, &d.KBID, &d.Title, &d.Content, &updated); err != nil {
			return nil, err
		}
		d.UpdatedAt = time.UnixMilli(updated)
		haystack := strings.ToLower(d.Title + " " + d.Content)
		for _, term := range terms {
			d.score += strings.Count(haystack, term)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].score != docs[j].score {
			return docs[i].score > docs[j].score
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	if len(docs) > a.limit {
		docs = docs[:a.limit]
	}
	return docs, nil
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func snippet(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) <= snippetRunes {
		return string(r)
	}
	return string(r[:snippetRunes]) + "..."
}
