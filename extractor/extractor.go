// Package extractor parses saved thread pages into post records.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"citydata-scraper/pkg/forum"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// postTableRows is the date, info and content row of a post table.
const postTableRows = 3

// ShapeError indicates a page that does not have the expected structure.
// Shape errors are fatal: extraction never skips a malformed post.
type ShapeError struct {
	Page   int
	Post   int // 1-based index of the post on the page, 0 for page-level errors
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Post == 0 {
		return fmt.Sprintf("page %d: %s", e.Page, e.Reason)
	}
	return fmt.Sprintf("page %d post %d: %s", e.Page, e.Post, e.Reason)
}

// IsShapeError checks if an error is a page structure error.
func IsShapeError(err error) bool {
	var se *ShapeError
	return errors.As(err, &se)
}

// Extractor reads the saved pages of a thread and extracts their posts.
type Extractor struct {
	logger *slog.Logger
	shape  *Shape
	dir    string
	count  int
}

// New creates a new extractor. A nil shape selects CityData.
func New(logger *slog.Logger, shape *Shape, dir string, count int) *Extractor {
	if shape == nil {
		shape = CityData
	}
	return &Extractor{
		logger: logger,
		shape:  shape,
		dir:    dir,
		count:  count,
	}
}

// Run parses pages 1..count in order and returns every record found.
// The first error aborts the run.
func (e *Extractor) Run(ctx context.Context) ([]*forum.PostRecord, error) {
	if err := e.shape.Validate(); err != nil {
		return nil, err
	}

	e.logger.Info("Starting extraction", "dir", e.dir, "pages", e.count)
	start := time.Now()

	var records []*forum.PostRecord
	for page := 1; page <= e.count; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageRecords, err := e.parseFile(page)
		if err != nil {
			return nil, err
		}

		for _, r := range pageRecords {
			if len(r.Quotes) > 0 {
				e.logger.Info("Post quotes other users", "page", page, "username", r.Username, "quotes", r.Quotes)
			}
		}
		e.logger.Debug("Page parsed", "page", page, "posts_found", len(pageRecords))

		records = append(records, pageRecords...)
	}

	e.logger.Info("Extraction completed",
		"pages", e.count,
		"records", len(records),
		"duration_ms", time.Since(start).Milliseconds())

	return records, nil
}

func (e *Extractor) parseFile(page int) ([]*forum.PostRecord, error) {
	path := forum.PageFile(e.dir, page)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page %d: %w", page, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			e.logger.Warn("Failed to close page file", "path", path, "error", closeErr)
		}
	}()

	return ParsePage(f, page, e.shape)
}

// ParsePage extracts one record per post container in r, in document order.
func ParsePage(r io.Reader, page int, shape *Shape) ([]*forum.PostRecord, error) {
	// Scripting off so that <noscript> content is parsed as markup
	root, err := html.ParseWithOptions(r, html.ParseOptionEnableScripting(false))
	if err != nil {
		return nil, fmt.Errorf("parse page %d: %w", page, err)
	}
	doc := goquery.NewDocumentFromNode(root)

	container := doc.Find(shape.PostsContainer).First()
	if container.Length() == 0 {
		return nil, &ShapeError{Page: page, Reason: fmt.Sprintf("posts container %q not found", shape.PostsContainer)}
	}

	var records []*forum.PostRecord
	var parseErr error
	container.Find(shape.PostContainer).EachWithBreak(func(i int, post *goquery.Selection) bool {
		rec, err := parsePost(post, shape)
		if err != nil {
			parseErr = &ShapeError{Page: page, Post: i + 1, Reason: err.Error()}
			return false
		}
		rec.Page = page
		records = append(records, rec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return records, nil
}

func parsePost(post *goquery.Selection, shape *Shape) (*forum.PostRecord, error) {
	table := post.Find(shape.PostTable).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("post table %q not found", shape.PostTable)
	}

	rows := directRows(table)
	if len(rows) != postTableRows {
		return nil, fmt.Errorf("post table has %d rows, want %d", len(rows), postTableRows)
	}
	infoRow, contentRow := rows[1], rows[2]

	username := strings.TrimSpace(infoRow.Find(shape.Username).First().Text())
	if username == "" {
		return nil, fmt.Errorf("username %q not found", shape.Username)
	}

	rec := &forum.PostRecord{Username: username}
	if err := parseInfoBlock(infoRow, shape, rec); err != nil {
		return nil, err
	}

	message := contentRow.Find(shape.MessageCell).First().Find(shape.Message).First()
	if message.Length() == 0 {
		return nil, fmt.Errorf("message %q not found", shape.Message)
	}
	rec.Text = message.Text()
	rec.Quotes = quotees(message, shape)

	return rec, nil
}

// parseInfoBlock fills location, post, read and reputation counts.
func parseInfoBlock(infoRow *goquery.Selection, shape *Shape, rec *forum.PostRecord) error {
	block := infoRow.Find(shape.InfoBlock).First()
	if block.Length() == 0 {
		return fmt.Errorf("info block %q not found", shape.InfoBlock)
	}

	rows := block.ChildrenFiltered("div")
	var postsRow, repRow *goquery.Selection
	switch rows.Length() {
	case 2:
		postsRow, repRow = rows.Eq(0), rows.Eq(1)
	case 3:
		location, ok := afterFirstToken(rows.Eq(0).Text())
		if !ok {
			return fmt.Errorf("location row %q has no value", strings.TrimSpace(rows.Eq(0).Text()))
		}
		rec.Location = &location
		postsRow, repRow = rows.Eq(1), rows.Eq(2)
	default:
		return fmt.Errorf("info block has %d rows, want 2 or 3", rows.Length())
	}

	postsText := strings.TrimSpace(postsRow.Text())
	m := shape.PostsRow.FindStringSubmatch(postsText)
	if m == nil {
		return fmt.Errorf("posts row %q does not match %s", postsText, shape.PostsRow)
	}
	var err error
	if rec.Posts, err = parseGroupedInt(m[1]); err != nil {
		return fmt.Errorf("post count: %w", err)
	}
	if rec.Read, err = parseGroupedInt(m[2]); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	repText, ok := afterFirstToken(repRow.Text())
	if !ok {
		return fmt.Errorf("reputation row %q has no value", strings.TrimSpace(repRow.Text()))
	}
	if rec.Reputation, err = parseGroupedInt(repText); err != nil {
		return fmt.Errorf("reputation: %w", err)
	}

	return nil
}

// quotees returns the quoted usernames in document order. A quote block
// without the full path to the username is skipped, unlike a malformed post,
// which is fatal.
func quotees(message *goquery.Selection, shape *Shape) []string {
	names := []string{}
	message.Find("*").Each(func(_ int, el *goquery.Selection) {
		marker := el.ChildrenFiltered(shape.QuoteMarker).First()
		if marker.Length() == 0 || marker.Text() != shape.QuoteLabel {
			return
		}

		name := el
		for _, step := range shape.QuoteePath {
			name = name.Find(step).First()
		}
		if name.Length() == 0 {
			return
		}
		names = append(names, strings.TrimSpace(name.Text()))
	})
	return names
}

// directRows returns the rows of table in order, looking through the
// implicit row groups the HTML parser inserts.
func directRows(table *goquery.Selection) []*goquery.Selection {
	var rows []*goquery.Selection
	table.Children().Each(func(_ int, c *goquery.Selection) {
		switch goquery.NodeName(c) {
		case "tr":
			rows = append(rows, c)
		case "thead", "tbody", "tfoot":
			c.ChildrenFiltered("tr").Each(func(_ int, r *goquery.Selection) {
				rows = append(rows, r)
			})
		}
	})
	return rows
}

// afterFirstToken returns the trimmed text following the first
// whitespace-delimited token, e.g. "Location: Boston, MA" -> "Boston, MA".
func afterFirstToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return "", false
	}
	rest := strings.TrimSpace(s[i:])
	return rest, rest != ""
}

// parseGroupedInt parses a digit-grouped integer such as "1,234".
func parseGroupedInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
