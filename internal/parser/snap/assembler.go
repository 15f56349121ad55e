package snap

// State is the position of the Assembler inside the current block.
type State int

const (
	Idle State = iota
	InBlock
	InCategories
	InReviews
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InBlock:
		return "in_block"
	case InCategories:
		return "in_categories"
	case InReviews:
		return "in_reviews"
	default:
		return "unknown"
	}
}

// MinRating and MaxRating bound the accepted review rating.
const (
	MinRating = 1
	MaxRating = 5
)

// Record is one assembled product block.
//
// Optional attributes use explicit zero values:
//   - Title is "" when the block had no title.
//   - Group is "" when the block had no group line.
//   - SalesRank is nil when absent, "NA" or malformed.
//
// Similars, Categories and Reviews keep file order.
type Record struct {
	ASIN       string
	Title      string
	Group      string
	SalesRank  *int64
	Similars   []string
	Categories [][]Category
	Reviews    []Review
}

// Stats counts what the Assembler consumed.
type Stats struct {
	Records        int64
	SkippedLines   int64
	DroppedReviews int64
	EmptyBlocks    int64
}

// block is the in-progress record.
type block struct {
	asin       string
	title      string
	group      string
	rank       int64
	hasRank    bool
	similars   []string
	categories [][]Category
	reviews    []Review
}

func (b *block) finish() Record {
	r := Record{
		ASIN:       b.asin,
		Title:      b.title,
		Group:      b.group,
		Similars:   b.similars,
		Categories: b.categories,
		Reviews:    b.reviews,
	}
	if b.hasRank {
		rank := b.rank
		r.SalesRank = &rank
	}
	return r
}

// Assembler folds classified lines into Records.
//
// A record is emitted when the next "Id:" line arrives or when Finish is
// called at end of input. Blocks without an ASIN are discarded.
//
// Assembler is not safe for concurrent use; each run owns one.
type Assembler struct {
	state State
	cur   block
	stats Stats
}

// State returns the current state.
func (a *Assembler) State() State { return a.state }

// Stats returns the running counters.
func (a *Assembler) Stats() Stats { return a.stats }

// Feed consumes one token. It returns the previous block as a completed
// record when tok starts a new one.
func (a *Assembler) Feed(tok Token) (Record, bool) {
	if tok.Kind == Id {
		rec, ok := a.close()
		a.cur = block{}
		a.state = InBlock
		return rec, ok
	}
	if a.state == Idle {
		return Record{}, false
	}

	switch tok.Kind {
	case Asin:
		a.cur.asin = tok.Text
	case Title:
		a.cur.title = tok.Text
	case Group:
		a.cur.group = tok.Text
	case SalesRank:
		a.cur.rank, a.cur.hasRank = tok.Rank, tok.HasRank
	case SimilarList:
		n := tok.Count
		if n > len(tok.ASINs) {
			n = len(tok.ASINs)
		}
		a.cur.similars = append(a.cur.similars, tok.ASINs[:n]...)
	case CategoriesHeader:
		a.state = InCategories
	case CategoryPathLine:
		if path := ParsePath(tok.Text); len(path) > 0 {
			a.cur.categories = append(a.cur.categories, path)
		}
	case ReviewsHeader:
		a.state = InReviews
	case ReviewLine:
		if a.state != InReviews {
			a.stats.SkippedLines++
			return Record{}, false
		}
		if r := tok.Review; r.Rating < MinRating || r.Rating > MaxRating {
			a.stats.DroppedReviews++
			return Record{}, false
		}
		a.cur.reviews = append(a.cur.reviews, tok.Review)
	default:
		if !blank(tok.Text) {
			a.stats.SkippedLines++
		}
	}
	return Record{}, false
}

// Finish closes the open block at end of input.
func (a *Assembler) Finish() (Record, bool) {
	rec, ok := a.close()
	a.cur = block{}
	a.state = Idle
	return rec, ok
}

func (a *Assembler) close() (Record, bool) {
	if a.state == Idle {
		return Record{}, false
	}
	if a.cur.asin == "" {
		a.stats.EmptyBlocks++
		return Record{}, false
	}
	a.stats.Records++
	return a.cur.finish(), true
}

func blank(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' && s[i] != '\r' {
			return false
		}
	}
	return true
}
