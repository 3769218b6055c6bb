// Package forum contains the core domain types for the City-Data thread scraper.
package forum

import (
	"fmt"
	"path/filepath"
	"time"
)

// DumpVersion is the format version written into every Dump.
const DumpVersion = 1

// PageFile returns the path of page n inside dir. It is the only contract
// between the fetch and extract phases.
func PageFile(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("page-%d.html", n))
}

// PostRecord represents a single post extracted from a thread page.
type PostRecord struct {
	Username   string   `json:"username"`
	Location   *string  `json:"location"` // nil when the profile has no location row
	Posts      int      `json:"posts"`    // Poster's total post count
	Read       int      `json:"read"`     // Times the post was read
	Reputation int      `json:"reputation"`
	Text       string   `json:"text"`   // Full message text, quote blocks included
	Quotes     []string `json:"quotes"` // Quoted usernames in document order
	Page       int      `json:"page"`   // 1-based page the post was found on
}

// Dump is the persisted output of a run.
type Dump struct {
	Version     int           `json:"version"`
	Source      string        `json:"source"` // Base thread URL
	GeneratedAt time.Time     `json:"generated_at"`
	Records     []*PostRecord `json:"records"`
}

// NewDump wraps records in a Dump stamped with the current format version.
func NewDump(source string, records []*PostRecord) *Dump {
	if records == nil {
		records = []*PostRecord{}
	}
	return &Dump{
		Version:     DumpVersion,
		Source:      source,
		GeneratedAt: time.Now().UTC(),
		Records:     records,
	}
}

// Validate checks that a loaded dump can be consumed by this version.
func (d *Dump) Validate() error {
	if d.Version != DumpVersion {
		return fmt.Errorf("unsupported dump version %d (want %d)", d.Version, DumpVersion)
	}
	for i, r := range d.Records {
		if r == nil {
			return fmt.Errorf("record %d is null", i)
		}
		if r.Username == "" {
			return fmt.Errorf("record %d has empty username", i)
		}
		if r.Quotes == nil {
			r.Quotes = []string{}
		}
	}
	return nil
}
