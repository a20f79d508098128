// Package memory implements the append-only markdown memory store
// described in spec.md §4.D: every record is a front-matter block
// followed by free-text content, appended to a single file that is
// never rewritten in place except by Prune.
package memory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hats-run/hats/pkg/models"
)

const recordSeparator = "\n---\n"

// Store is a single append-only markdown file of memory records.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a Store backed by path, creating the parent directory
// (but not the file itself — Add creates it on first write) if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Add appends a new record and returns it with ID and CreatedAt filled in.
func (s *Store) Add(recordType models.MemoryType, content string, tags []string) (models.Memory, error) {
	if !recordType.Valid() {
		return models.Memory{}, fmt.Errorf("memory: invalid type %q", recordType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	m := models.Memory{
		ID:        fmt.Sprintf("%s-%09d", now.Format("20060102T150405"), now.Nanosecond()),
		Type:      recordType,
		Content:   strings.TrimSpace(content),
		Tags:      append([]string(nil), tags...),
		CreatedAt: now,
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return models.Memory{}, fmt.Errorf("memory: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(encode(m)); err != nil {
		return models.Memory{}, fmt.Errorf("memory: append: %w", err)
	}

	return m, nil
}

// List returns every non-deleted record in file order.
func (s *Store) List() ([]models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

// ListByType returns every non-deleted record of the given type.
func (s *Store) ListByType(t models.MemoryType) ([]models.Memory, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []models.Memory
	for _, m := range all {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out, nil
}

// Search returns records whose content contains the query substring
// (case-insensitive) or whose tags include it exactly.
func (s *Store) Search(query string) ([]models.Memory, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []models.Memory
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Content), q) || m.HasTag(query) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Delete marks a record deleted by rewriting the file without it. This
// is the one operation that does not purely append; it still preserves
// every other record's content and order.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}

	kept := all[:0]
	found := false
	for _, m := range all {
		if m.ID == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return fmt.Errorf("memory: no record with id %q", id)
	}

	return s.rewrite(kept)
}

// Prime selects records for inclusion in a hat's prompt, ranked by the
// deterministic order: tag-match count against (activeHatID, topic)
// descending, then CreatedAt descending, then ID ascending as a final
// tiebreak. It returns as many top-ranked records as fit within
// budgetBytes of rendered content+tags.
func (s *Store) Prime(activeHatID, topic string, budgetBytes int) ([]models.Memory, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	tagQuery := []string{activeHatID, topic}
	sort.SliceStable(all, func(i, j int) bool {
		ci, cj := all[i].TagOverlap(tagQuery...), all[j].TagOverlap(tagQuery...)
		if ci != cj {
			return ci > cj
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	var out []models.Memory
	used := 0
	for _, m := range all {
		size := len(m.Content) + len(strings.Join(m.Tags, ","))
		if used+size > budgetBytes && len(out) > 0 {
			break
		}
		out = append(out, m)
		used += size
	}
	return out, nil
}

func (s *Store) readAll() ([]models.Memory, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("memory: read: %w", err)
	}
	return decodeAll(string(data))
}

func (s *Store) rewrite(records []models.Memory) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: create temp: %w", err)
	}

	for _, m := range records {
		if _, err := f.WriteString(encode(m)); err != nil {
			f.Close()
			return fmt.Errorf("memory: write temp: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("memory: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("memory: rename: %w", err)
	}
	return nil
}

func encode(m models.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "---\n")
	fmt.Fprintf(&b, "id: %s\n", m.ID)
	fmt.Fprintf(&b, "type: %s\n", m.Type)
	fmt.Fprintf(&b, "tags: %s\n", strings.Join(m.Tags, ","))
	fmt.Fprintf(&b, "created_at: %s\n", m.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "---\n")
	b.WriteString(m.Content)
	b.WriteString(recordSeparator)
	return b.String()
}

// decoder states: a record is "---\n" front-matter "---\n" content "---\n"
// (the trailing "---" is the record separator, identical in shape to
// the front-matter fence, which is why state is tracked explicitly
// rather than matched by line content alone).
type decodeState int

const (
	stateBetweenRecords decodeState = iota
	stateInFrontMatter
	stateInContent
)

func decodeAll(data string) ([]models.Memory, error) {
	var out []models.Memory
	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	state := stateBetweenRecords
	var cur models.Memory
	var content strings.Builder

	flush := func() {
		if cur.ID != "" {
			cur.Content = strings.TrimSuffix(content.String(), "\n")
			out = append(out, cur)
		}
		cur = models.Memory{}
		content.Reset()
		state = stateBetweenRecords
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "---" {
			switch state {
			case stateBetweenRecords:
				state = stateInFrontMatter
			case stateInFrontMatter:
				state = stateInContent
			case stateInContent:
				flush()
			}
			continue
		}

		switch state {
		case stateInFrontMatter:
			parseFrontMatterLine(&cur, line)
		case stateInContent:
			content.WriteString(line)
			content.WriteString("\n")
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("memory: scan: %w", err)
	}
	return out, nil
}

func parseFrontMatterLine(m *models.Memory, line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch strings.TrimSpace(key) {
	case "id":
		m.ID = value
	case "type":
		m.Type = models.MemoryType(value)
	case "tags":
		if value != "" {
			m.Tags = strings.Split(value, ",")
		}
	case "created_at":
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			m.CreatedAt = t
		}
	}
}
