// Package snap parses the SNAP Amazon product metadata dump
// ("amazon-meta.txt") into one Record per product block.
//
// The format is line oriented. A block starts at an "Id:" line and runs until
// the next "Id:" line or end of input. Attribute lines are indented with a
// fixed number of spaces, and the indentation width is part of the grammar:
//
//	Id:   1
//	ASIN: 0827229534
//	  title: Patterns of Preaching: A Sermon Sampler
//	  group: Book
//	  salesrank: 396585
//	  similar: 5  0804215715  156101074X  0687023955  0687074231  082721619X
//	  categories: 2
//	   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]|Christianity[12290]
//	   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]|Christianity[12290]|Clergy[12360]
//	  reviews: total: 2  downloaded: 2  avg rating: 5
//	    2000-7-28  cutomer: A2JW67OY8U6HHK  rating: 5  votes:  10  helpful:   9
//
// Classify is a pure per-line classifier. Assembler carries the block state
// machine, and Scanner wires both to an io.Reader.
package snap

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Indentation widths of the indented line kinds.
const (
	AttrIndent     = 2
	CategoryIndent = 3
	ReviewIndent   = 4
)

// ReviewDateLayout parses review dates such as "2000-7-28" and "2004-10-02".
const ReviewDateLayout = "2006-1-2"

// Kind discriminates a Token.
type Kind int

const (
	Unrecognized Kind = iota
	Id
	Asin
	Title
	Group
	SalesRank
	SimilarList
	CategoriesHeader
	CategoryPathLine
	ReviewsHeader
	ReviewLine
)

var kindNames = [...]string{
	Unrecognized:     "unrecognized",
	Id:               "id",
	Asin:             "asin",
	Title:            "title",
	Group:            "group",
	SalesRank:        "salesrank",
	SimilarList:      "similar",
	CategoriesHeader: "categories",
	CategoryPathLine: "category_path",
	ReviewsHeader:    "reviews",
	ReviewLine:       "review",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Token is the classification of one input line.
//
// Only the fields relevant to Kind are set:
//   - Id, Asin, Title, Group: Text.
//   - SalesRank: Rank and HasRank (false for "NA" or a malformed value).
//   - SimilarList: Count and ASINs (ASINs may be longer than Count).
//   - CategoriesHeader: Count.
//   - CategoryPathLine: Text holds the raw path starting at the first '|'.
//   - ReviewLine: Review.
//   - Unrecognized: Text holds the original line.
type Token struct {
	Kind    Kind
	Text    string
	Count   int
	ASINs   []string
	Rank    int64
	HasRank bool
	Review  Review
}

// Review is one customer review line.
type Review struct {
	Date     time.Time
	Customer string
	Rating   int
	Votes    int
	Helpful  int
}

// matcher recognizes one line kind: exactly indent spaces, then keyword, then
// whatever parse accepts.
type matcher struct {
	indent  int
	keyword string
	parse   func(rest string) (Token, bool)
}

// matchers are evaluated in order; the first hit wins.
var matchers = []matcher{
	{0, "Id:", parseID},
	{0, "ASIN:", parseASIN},
	{AttrIndent, "title:", parseTitle},
	{AttrIndent, "group:", parseGroup},
	{AttrIndent, "salesrank:", parseSalesRank},
	{AttrIndent, "similar:", parseSimilar},
	{AttrIndent, "categories:", parseCategoriesHeader},
	{AttrIndent, "reviews:", parseReviewsHeader},
	{CategoryIndent, "|", parseCategoryPath},
	{ReviewIndent, "", parseReview},
}

// Classify returns the token for one line. It never fails: anything outside
// the grammar is returned as Unrecognized.
func Classify(line string) Token {
	line = strings.TrimRight(line, "\r\n")
	for _, m := range matchers {
		body, ok := indented(line, m.indent)
		if !ok || !strings.HasPrefix(body, m.keyword) {
			continue
		}
		rest := body[len(m.keyword):]
		if m.keyword == "|" {
			rest = body
		}
		if tok, ok := m.parse(rest); ok {
			return tok
		}
	}
	return Token{Kind: Unrecognized, Text: line}
}

// indented reports whether line starts with exactly n spaces followed by a
// non-blank character, and returns the remainder.
func indented(line string, n int) (string, bool) {
	if len(line) <= n {
		return "", false
	}
	for i := 0; i < n; i++ {
		if line[i] != ' ' {
			return "", false
		}
	}
	if c := line[n]; c == ' ' || c == '\t' {
		return "", false
	}
	return line[n:], true
}

func parseID(rest string) (Token, bool) {
	return Token{Kind: Id, Text: strings.TrimSpace(rest)}, true
}

func parseASIN(rest string) (Token, bool) {
	f := strings.Fields(rest)
	if len(f) == 0 {
		return Token{}, false
	}
	return Token{Kind: Asin, Text: f[0]}, true
}

func parseTitle(rest string) (Token, bool) {
	return Token{Kind: Title, Text: strings.TrimSpace(rest)}, true
}

func parseGroup(rest string) (Token, bool) {
	g := strings.TrimSpace(rest)
	if g == "" {
		return Token{}, false
	}
	return Token{Kind: Group, Text: g}, true
}

func parseSalesRank(rest string) (Token, bool) {
	v := strings.TrimSpace(rest)
	if v == "" {
		return Token{}, false
	}
	tok := Token{Kind: SalesRank}
	if n, ok := parseCount(v); ok {
		tok.Rank, tok.HasRank = int64(n), true
	}
	return tok, true
}

func parseSimilar(rest string) (Token, bool) {
	f := strings.Fields(rest)
	if len(f) == 0 {
		return Token{}, false
	}
	n, ok := parseCount(f[0])
	if !ok && digits(f[0]) {
		// A count past the int range still covers every listed ASIN.
		n = len(f) - 1
	}
	return Token{Kind: SimilarList, Count: n, ASINs: f[1:]}, true
}

func parseCategoriesHeader(rest string) (Token, bool) {
	f := strings.Fields(rest)
	if len(f) == 0 {
		return Token{}, false
	}
	n, _ := parseCount(f[0])
	return Token{Kind: CategoriesHeader, Count: n}, true
}

func parseReviewsHeader(string) (Token, bool) {
	return Token{Kind: ReviewsHeader}, true
}

func parseCategoryPath(rest string) (Token, bool) {
	return Token{Kind: CategoryPathLine, Text: rest}, true
}

// parseReview accepts
//
//	<date> cutomer: <id> rating: <n> votes: <n> helpful: <n>
//
// The dump spells the customer label "cutomer"; "customer" is accepted too.
// Malformed numbers default to 0 and do not reject the line.
func parseReview(rest string) (Token, bool) {
	f := strings.Fields(rest)
	if len(f) != 9 {
		return Token{}, false
	}
	if f[1] != "cutomer:" && f[1] != "customer:" {
		return Token{}, false
	}
	if f[3] != "rating:" || f[5] != "votes:" || f[7] != "helpful:" {
		return Token{}, false
	}
	d, err := time.Parse(ReviewDateLayout, f[0])
	if err != nil {
		return Token{}, false
	}
	rating, _ := parseInt32(f[4])
	votes, _ := parseInt32(f[6])
	helpful, _ := parseInt32(f[8])
	return Token{Kind: ReviewLine, Review: Review{
		Date:     d,
		Customer: f[2],
		Rating:   rating,
		Votes:    votes,
		Helpful:  helpful,
	}}, true
}

// parseCount parses a non-negative decimal integer made only of ASCII digits.
func parseCount(s string) (int, bool) {
	if !digits(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseInt32 is parseCount limited to the range of the review INTEGER
// columns; larger values are malformed.
func parseInt32(s string) (int, bool) {
	n, ok := parseCount(s)
	if !ok || n > math.MaxInt32 {
		return 0, false
	}
	return n, true
}

// digits reports whether s is a non-empty run of ASCII digits.
func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
