package figures

import (
	"fmt"
	"strings"
	"sync"
)

// Record is one extracted figure.
type Record struct {
	Page        int    `json:"page"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Path        string `json:"path"`     // absolute storage path
	RelPath     string `json:"rel_path"` // caller-facing path
	BBox        [4]int `json:"bbox"`     // crop rectangle in rendered pixels
}

// Markdown renders the record as an image reference.
func (r Record) Markdown() string {
	return fmt.Sprintf("![%s](%s)", r.Title, r.RelPath)
}

// Catalog is the append-only list of figures extracted in one session.
// A record's index never changes once appended.
type Catalog struct {
	mu      sync.RWMutex
	records []Record
	counter int
}

// NewCatalog starts a catalog from previously persisted records. The extraction
// counter continues after them so new file names do not collide.
func NewCatalog(restored []Record) *Catalog {
	records := append([]Record(nil), restored...)
	return &Catalog{records: records, counter: len(records)}
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Counter returns how many figures this catalog has ever saved.
func (c *Catalog) Counter() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counter
}

// At returns the record at index i.
func (c *Catalog) At(i int) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.records) {
		return Record{}, false
	}
	return c.records[i], true
}

// Records returns a copy of every record in index order.
func (c *Catalog) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Record(nil), c.records...)
}

// Since returns a copy of the records at index from and later.
func (c *Catalog) Since(from int) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(c.records) {
		return nil
	}
	return append([]Record(nil), c.records[from:]...)
}

// nextSeq is the 1-based sequence number the next saved figure will carry.
func (c *Catalog) nextSeq() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counter + 1
}

// append adds r and advances the counter. It returns r's index.
func (c *Catalog) append(r Record) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	c.counter++
	return len(c.records) - 1
}

// Listing renders one line per record for model context.
func (c *Catalog) Listing() string {
	records := c.Records()
	if len(records) == 0 {
		return "None yet"
	}
	var b strings.Builder
	for i, r := range records {
		fmt.Fprintf(&b, "Image %d: %s (page %d) - %s\n", i, r.Title, r.Page, r.RelPath)
	}
	return strings.TrimRight(b.String(), "\n")
}
