package extractor

import (
	"errors"
	"fmt"
	"regexp"
)

// Shape describes where each field lives in a thread page. Every structural
// assumption about the forum markup is kept here so that markup drift is a
// change to one value rather than to the extraction code.
type Shape struct {
	PostsContainer string // Element holding every post on the page
	PostContainer  string // One element per post, searched below PostsContainer
	PostTable      string // Table with exactly three direct rows: date, info, content

	Username  string // Username anchor inside the info row
	InfoBlock string // Block with the optional location, posts and reputation rows

	MessageCell string // First cell of the content row
	Message     string // Message container inside MessageCell

	QuoteMarker string   // Direct child that labels a quote block
	QuoteLabel  string   // Exact text of QuoteMarker
	QuoteePath  []string // Steps from a quote block to the quoted username

	// PostsRow must capture exactly two digit-grouped numbers: the post count
	// and the read count, in that order.
	PostsRow *regexp.Regexp
}

// CityData is the shape of City-Data (vBulletin 3) thread pages.
var CityData = &Shape{
	PostsContainer: "div#posts",
	PostContainer:  `div[align="center"]`,
	PostTable:      `table[id^="post"]`,
	Username:       "a.bigusername",
	InfoBlock:      "div.smallfont",
	MessageCell:    "td",
	Message:        `div[id^="post_message_"]`,
	QuoteMarker:    "div.smallfont",
	QuoteLabel:     "Quote:",
	QuoteePath:     []string{"table", "tr", "td", "div", "strong"},
	// "2,140 posts, read 3,040,390 times" and "Posts: 10, Visited 200 times,"
	PostsRow: regexp.MustCompile(`^\D*?(\d[\d,]*)\D+?(\d[\d,]*)\D*$`),
}

// Validate reports a shape that cannot drive extraction.
func (s *Shape) Validate() error {
	required := map[string]string{
		"PostsContainer": s.PostsContainer,
		"PostContainer":  s.PostContainer,
		"PostTable":      s.PostTable,
		"Username":       s.Username,
		"InfoBlock":      s.InfoBlock,
		"MessageCell":    s.MessageCell,
		"Message":        s.Message,
		"QuoteMarker":    s.QuoteMarker,
	}
	for name, sel := range required {
		if sel == "" {
			return fmt.Errorf("shape: %s selector is empty", name)
		}
	}
	if len(s.QuoteePath) == 0 {
		return errors.New("shape: QuoteePath is empty")
	}
	if s.PostsRow == nil || s.PostsRow.NumSubexp() != 2 {
		return errors.New("shape: PostsRow must have exactly two capture groups")
	}
	return nil
}
