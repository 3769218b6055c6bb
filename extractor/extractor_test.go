package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"citydata-scraper/pkg/forum"

	"github.com/google/go-cmp/cmp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// postHTML renders one post container the way City-Data lays it out.
func postHTML(id int, username string, infoRows []string, message string) string {
	var info strings.Builder
	for _, r := range infoRows {
		fmt.Fprintf(&info, "<div>%s</div>", r)
	}
	return fmt.Sprintf(`<div align="center">
<table id="post%d" class="tborder" cellpadding="6" width="100%%">
<tr><td class="thead">01-15-2021, 09:12 AM</td></tr>
<tr><td class="alt2"><a class="bigusername" href="/members/%s.html">%s</a><div class="smallfont">%s</div></td></tr>
<tr><td class="alt1"><div id="post_message_%d">%s</div></td></tr>
</table>
</div>`, id, username, username, info.String(), id, message)
}

func pageHTML(posts ...string) string {
	return `<html><head><title>Thread</title></head><body><div id="posts">` +
		strings.Join(posts, "\n") +
		`</div></body></html>`
}

func quoteHTML(name string) string {
	return fmt.Sprintf(`<div style="margin:20px; margin-top:5px;"><div class="smallfont" style="margin-bottom:2px">Quote:</div>`+
		`<table cellpadding="6" width="100%%"><tr><td class="alt2"><div>Originally Posted by <strong>%s</strong></div>`+
		`<div style="font-style:italic">quoted text</div></td></tr></table></div>`, name)
}

func strPtr(s string) *string { return &s }

func TestParsePageSinglePost(t *testing.T) {
	page := pageHTML(postHTML(1, "Alice",
		[]string{"Posts: 10, Visited 200 times,", "Reputation: 5"},
		"Hello world"))

	got, err := ParsePage(strings.NewReader(page), 1, CityData)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}

	want := []*forum.PostRecord{{
		Username:   "Alice",
		Location:   nil,
		Posts:      10,
		Read:       200,
		Reputation: 5,
		Text:       "Hello world",
		Quotes:     []string{},
		Page:       1,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePage() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePageInfoRows(t *testing.T) {
	tests := []struct {
		name         string
		infoRows     []string
		wantLocation *string
		wantPosts    int
		wantRead     int
		wantRep      int
	}{
		{
			name:      "two rows has no location",
			infoRows:  []string{"2,140 posts, read 3,040,390 times", "Reputation: 1,234"},
			wantPosts: 2140,
			wantRead:  3040390,
			wantRep:   1234,
		},
		{
			name:         "three rows has location",
			infoRows:     []string{"Location: Boston, MA", "12,345 posts, read 1,234,567 times", "Reputation: 2,048"},
			wantLocation: strPtr("Boston, MA"),
			wantPosts:    12345,
			wantRead:     1234567,
			wantRep:      2048,
		},
		{
			name:         "markup inside rows",
			infoRows:     []string{"Location: <b>Near Austin</b>", "7 posts, read <strong>1,001</strong> times", "Reputation: <span>0</span>"},
			wantLocation: strPtr("Near Austin"),
			wantPosts:    7,
			wantRead:     1001,
			wantRep:      0,
		},
		{
			name:      "surrounding whitespace",
			infoRows:  []string{"\n  15 posts, read 90 times\n", "  Reputation:   42  "},
			wantPosts: 15,
			wantRead:  90,
			wantRep:   42,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := pageHTML(postHTML(7, "Bob", tt.infoRows, "msg"))
			got, err := ParsePage(strings.NewReader(page), 2, CityData)
			if err != nil {
				t.Fatalf("ParsePage() error = %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d records, want 1", len(got))
			}
			r := got[0]
			if diff := cmp.Diff(tt.wantLocation, r.Location); diff != "" {
				t.Errorf("Location mismatch (-want +got):\n%s", diff)
			}
			if r.Posts != tt.wantPosts || r.Read != tt.wantRead || r.Reputation != tt.wantRep {
				t.Errorf("counts = (%d, %d, %d), want (%d, %d, %d)",
					r.Posts, r.Read, r.Reputation, tt.wantPosts, tt.wantRead, tt.wantRep)
			}
			if r.Page != 2 {
				t.Errorf("Page = %d, want 2", r.Page)
			}
		})
	}
}

func TestParsePageQuotes(t *testing.T) {
	malformed := `<div><div class="smallfont">Quote:</div><table><tr><td>no name here</td></tr></table></div>`
	code := `<div><div class="smallfont">Code:</div><table><tr><td><div><strong>NotAQuote</strong></div></td></tr></table></div>`
	message := quoteHTML("Bob") + "I agree. " + malformed + code + quoteHTML("Carol") + " Also this."

	page := pageHTML(postHTML(3, "Dave", []string{"1 posts, read 2 times", "Reputation: 3"}, message))
	got, err := ParsePage(strings.NewReader(page), 1, CityData)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}

	if diff := cmp.Diff([]string{"Bob", "Carol"}, got[0].Quotes); diff != "" {
		t.Errorf("Quotes mismatch (-want +got):\n%s", diff)
	}
	// Quote blocks stay part of the message text
	for _, s := range []string{"Originally Posted by Bob", "I agree.", "no name here", "Also this."} {
		if !strings.Contains(got[0].Text, s) {
			t.Errorf("Text %q missing %q", got[0].Text, s)
		}
	}
}

func TestParsePageNoQuotesIsEmptySlice(t *testing.T) {
	page := pageHTML(postHTML(3, "Erin", []string{"1 posts, read 2 times", "Reputation: 3"}, "<b>bold</b> text"))
	got, err := ParsePage(strings.NewReader(page), 1, CityData)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}
	if got[0].Quotes == nil || len(got[0].Quotes) != 0 {
		t.Errorf("Quotes = %#v, want empty non-nil slice", got[0].Quotes)
	}
	if got[0].Text != "bold text" {
		t.Errorf("Text = %q, want %q", got[0].Text, "bold text")
	}
}

func TestParsePageRecordPerContainer(t *testing.T) {
	rows := []string{"1 posts, read 2 times", "Reputation: 3"}
	page := pageHTML(
		postHTML(1, "Ann", rows, "one"),
		postHTML(2, "Ben", rows, "two"),
		postHTML(3, "Cat", rows, "three"),
	)

	got, err := ParsePage(strings.NewReader(page), 1, CityData)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}

	var names []string
	for _, r := range got {
		names = append(names, r.Username)
	}
	if diff := cmp.Diff([]string{"Ann", "Ben", "Cat"}, names); diff != "" {
		t.Errorf("usernames mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePageEmptyContainer(t *testing.T) {
	got, err := ParsePage(strings.NewReader(pageHTML()), 1, CityData)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}

func TestParsePageExplicitTbody(t *testing.T) {
	page := `<div id="posts"><div align="center"><table id="post9"><tbody>
<tr><td>date</td></tr>
<tr><td><a class="bigusername">Finn</a><div class="smallfont"><div>3 posts, read 4 times</div><div>Reputation: 5</div></div></td></tr>
<tr><td><div id="post_message_9">hi</div></td></tr>
</tbody></table></div></div>`

	got, err := ParsePage(strings.NewReader(page), 1, CityData)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}
	if len(got) != 1 || got[0].Username != "Finn" {
		t.Errorf("got %+v, want one record for Finn", got)
	}
}

func TestParsePageShapeErrors(t *testing.T) {
	okRows := []string{"1 posts, read 2 times", "Reputation: 3"}
	tests := []struct {
		name     string
		page     string
		wantPost int
	}{
		{
			name: "missing posts container",
			page: `<html><body><div id="content">nothing</div></body></html>`,
		},
		{
			name:     "missing post table",
			page:     pageHTML(`<div align="center"><p>ad banner</p></div>`),
			wantPost: 1,
		},
		{
			name:     "two table rows",
			page:     pageHTML(`<div align="center"><table id="post1"><tr><td>a</td></tr><tr><td>b</td></tr></table></div>`),
			wantPost: 1,
		},
		{
			name:     "missing username",
			page:     pageHTML(strings.Replace(postHTML(1, "Gus", okRows, "m"), `class="bigusername"`, `class="username"`, 1)),
			wantPost: 1,
		},
		{
			name:     "one info row",
			page:     pageHTML(postHTML(1, "Gus", []string{"Reputation: 3"}, "m")),
			wantPost: 1,
		},
		{
			name:     "four info rows",
			page:     pageHTML(postHTML(1, "Gus", []string{"Location: A", "Joined: 2010", "1 posts, read 2 times", "Reputation: 3"}, "m")),
			wantPost: 1,
		},
		{
			name:     "posts row without numbers",
			page:     pageHTML(postHTML(1, "Gus", []string{"lots of posts", "Reputation: 3"}, "m")),
			wantPost: 1,
		},
		{
			name:     "posts row with extra number",
			page:     pageHTML(postHTML(1, "Gus", []string{"1 posts, read 2 times in 3 days", "Reputation: 3"}, "m")),
			wantPost: 1,
		},
		{
			name:     "reputation not a number",
			page:     pageHTML(postHTML(1, "Gus", []string{"1 posts, read 2 times", "Reputation: high"}, "m")),
			wantPost: 1,
		},
		{
			name:     "location without value",
			page:     pageHTML(postHTML(1, "Gus", []string{"Location:", "1 posts, read 2 times", "Reputation: 3"}, "m")),
			wantPost: 1,
		},
		{
			name:     "missing message",
			page:     pageHTML(strings.Replace(postHTML(1, "Gus", okRows, "m"), `id="post_message_1"`, `id="sig_1"`, 1)),
			wantPost: 1,
		},
		{
			name:     "second post malformed aborts page",
			page:     pageHTML(postHTML(1, "Gus", okRows, "m"), postHTML(2, "Hal", []string{"Reputation: 3"}, "m")),
			wantPost: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePage(strings.NewReader(tt.page), 4, CityData)
			if err == nil {
				t.Fatalf("ParsePage() = %d records, want error", len(got))
			}
			var se *ShapeError
			if !errors.As(err, &se) {
				t.Fatalf("error %v is not a *ShapeError", err)
			}
			if se.Page != 4 || se.Post != tt.wantPost {
				t.Errorf("ShapeError at page %d post %d, want page 4 post %d", se.Page, se.Post, tt.wantPost)
			}
			if got != nil {
				t.Errorf("ParsePage() returned %d records alongside error", len(got))
			}
		})
	}
}

func TestParseGroupedInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1,234", want: 1234},
		{in: "1,234,567", want: 1234567},
		{in: "10,", want: 10},
		{in: "-5", want: -5},
		{in: "", wantErr: true},
		{in: "12a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseGroupedInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseGroupedInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseGroupedInt(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func writePage(t *testing.T, dir string, n int, html string) {
	t.Helper()
	if err := os.WriteFile(forum.PageFile(dir, n), []byte(html), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunReadsPagesInOrder(t *testing.T) {
	dir := t.TempDir()
	rows := []string{"1 posts, read 2 times", "Reputation: 3"}
	writePage(t, dir, 1, pageHTML(postHTML(1, "Ann", rows, "a"), postHTML(2, "Ben", rows, quoteHTML("Ann"))))
	writePage(t, dir, 2, pageHTML(postHTML(3, "Cat", rows, "c")))

	got, err := New(testLogger(), nil, dir, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	type summary struct {
		Username string
		Page     int
		Quotes   []string
	}
	var gotSummary []summary
	for _, r := range got {
		gotSummary = append(gotSummary, summary{r.Username, r.Page, r.Quotes})
	}
	want := []summary{
		{"Ann", 1, []string{}},
		{"Ben", 1, []string{"Ann"}},
		{"Cat", 2, []string{}},
	}
	if diff := cmp.Diff(want, gotSummary); diff != "" {
		t.Errorf("Run() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMissingPage(t *testing.T) {
	dir := t.TempDir()
	writePage(t, dir, 1, pageHTML())

	_, err := New(testLogger(), nil, dir, 2).Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want missing page error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Run() error = %v, want os.ErrNotExist", err)
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	writePage(t, dir, 1, pageHTML())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New(testLogger(), nil, dir, 1).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestShapeValidate(t *testing.T) {
	if err := CityData.Validate(); err != nil {
		t.Fatalf("CityData.Validate() error = %v", err)
	}

	broken := *CityData
	broken.Message = ""
	if err := broken.Validate(); err == nil {
		t.Error("Validate() error = nil for empty Message selector")
	}

	broken = *CityData
	broken.PostsRow = nil
	if err := broken.Validate(); err == nil {
		t.Error("Validate() error = nil for nil PostsRow")
	}
}
