package store

import (
	"context"
	"strings"
)

// SearchMessages matches message bodies case-insensitively. It is the
// fallback when no external search index is configured.
func (db *DB) SearchMessages(ctx context.Context, query string, conversationID int64, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE LOWER(body) LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(strings.ToLower(query)) + "%"}
	if conversationID > 0 {
		q += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn().query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns up to radius runes of context around the first match,
// with the match wrapped in << >>.
func snippet(body, query string, radius int) string {
	lower := strings.ToLower(body)
	i := strings.Index(lower, strings.ToLower(query))
	if i < 0 || len(lower) != len(body) || i+len(query) > len(body) {
		return body
	}
	start := i - radius
	prefix := "..."
	if start <= 0 {
		start, prefix = 0, ""
	}
	end := i + len(query) + radius
	suffix := "..."
	if end >= len(body) {
		end, suffix = len(body), ""
	}
	// Step back to rune boundaries.
	for start > 0 && !isRuneStart(body[start]) {
		start--
	}
	for end < len(body) && !isRuneStart(body[end]) {
		end++
	}
	return prefix + body[start:i] + "<<" + body[i:i+len(query)] + ">>" + body[i+len(query):end] + suffix
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
