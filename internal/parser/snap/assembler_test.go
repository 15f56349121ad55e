package snap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect scans the whole input and returns every record.
func collect(t *testing.T, input string) ([]Record, Stats) {
	t.Helper()
	sc := NewScanner(strings.NewReader(input))
	var out []Record
	for sc.Scan() {
		out = append(out, sc.Record())
	}
	require.NoError(t, sc.Err())
	return out, sc.Stats()
}

func TestAssembler_SingleBlock(t *testing.T) {
	t.Parallel()

	recs, _ := collect(t, "Id: 0\nASIN: B0001\n  title: Widget\n  group: Book\n  salesrank: 100\n\n")
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "B0001", r.ASIN)
	assert.Equal(t, "Widget", r.Title)
	assert.Equal(t, "Book", r.Group)
	require.NotNil(t, r.SalesRank)
	assert.Equal(t, int64(100), *r.SalesRank)
}

func TestAssembler_SimilarCountCapsList(t *testing.T) {
	t.Parallel()

	recs, _ := collect(t, "Id: 1\nASIN: B0001\n  similar: 2 B0002 B0003 B0004\n")
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"B0002", "B0003"}, recs[0].Similars)
}

func TestAssembler_SimilarFewerThanCount(t *testing.T) {
	t.Parallel()

	recs, _ := collect(t, "Id: 1\nASIN: B0001\n  similar: 5 B0002\n")
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"B0002"}, recs[0].Similars)
}

func TestAssembler_SimilarCountOverflowKeepsAll(t *testing.T) {
	t.Parallel()

	recs, _ := collect(t, "Id: 1\nASIN: B0001\n  similar: 99999999999999999999 B0002 B0003\n")
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"B0002", "B0003"}, recs[0].Similars)
}

func TestAssembler_HugeVotesAreZeroed(t *testing.T) {
	t.Parallel()

	recs, _ := collect(t, "Id: 1\nASIN: B0001\n  reviews: total: 1\n    2004-1-2  cutomer: C1  rating: 4  votes: 3000000000  helpful: 1\n")
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Reviews, 1)
	assert.Equal(t, 0, recs[0].Reviews[0].Votes)
	assert.Equal(t, 4, recs[0].Reviews[0].Rating)
}

func TestAssembler_BlockWithoutASINIsNotEmitted(t *testing.T) {
	t.Parallel()

	in := "Id: 1\n  title: orphan\nId: 2\nASIN: B0002\n"
	recs, st := collect(t, in)
	require.Len(t, recs, 1)
	assert.Equal(t, "B0002", recs[0].ASIN)
	assert.Equal(t, int64(1), st.EmptyBlocks)
}

func TestAssembler_LinesBeforeFirstIdIgnored(t *testing.T) {
	t.Parallel()

	in := "# Full information about Amazon Share the Love products\nTotal items: 548552\n\nASIN: NOPE\nId: 0\nASIN: 0771044445\n  discontinued product\n"
	recs, st := collect(t, in)
	require.Len(t, recs, 1)
	assert.Equal(t, "0771044445", recs[0].ASIN)
	assert.Empty(t, recs[0].Title)
	assert.Nil(t, recs[0].SalesRank)
	assert.Equal(t, int64(1), st.SkippedLines)
}

func TestAssembler_LastWriteWinsWithinBlock(t *testing.T) {
	t.Parallel()

	recs, _ := collect(t, "Id: 1\nASIN: A\nASIN: B\n  salesrank: 5\n  salesrank: NA\n")
	require.Len(t, recs, 1)
	assert.Equal(t, "B", recs[0].ASIN)
	assert.Nil(t, recs[0].SalesRank)
}

func TestAssembler_FullBlock(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		"Id:   1",
		"ASIN: 0827229534",
		"  title: Patterns of Preaching: A Sermon Sampler",
		"  group: Book",
		"  salesrank: 396585",
		"  similar: 5  0804215715  156101074X  0687023955  0687074231  082721619X",
		"  categories: 2",
		"   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]",
		"   |Books[283155]|Broken|Clergy[12360]",
		"  reviews: total: 3  downloaded: 3  avg rating: 5",
		"    2000-7-28  cutomer: A2JW67OY8U6HHK  rating: 5  votes:  10  helpful:   9",
		"    this line is garbage",
		"    2003-12-14  cutomer: A2VE83MZF98ITY  rating: 7  votes:   6  helpful:   5",
		"    2003-12-14  cutomer: A11NCO6YTE4BTJ  rating: 4  votes:   3  helpful:   3",
		"",
		"Id:   2",
		"ASIN: 0738700797",
		"  title: Candlemas: Feast of Flames",
		"",
	}, "\n")

	recs, st := collect(t, in)
	require.Len(t, recs, 2)

	r := recs[0]
	assert.Equal(t, "0827229534", r.ASIN)
	assert.Len(t, r.Similars, 5)
	require.Len(t, r.Categories, 2)
	assert.Equal(t, []Category{{"Books", 283155}, {"Subjects", 1000}, {"Religion & Spirituality", 22}}, r.Categories[0])
	assert.Equal(t, []Category{{"Books", 283155}, {"Clergy", 12360}}, r.Categories[1])
	require.Len(t, r.Reviews, 2)
	assert.Equal(t, "A2JW67OY8U6HHK", r.Reviews[0].Customer)
	assert.Equal(t, "A11NCO6YTE4BTJ", r.Reviews[1].Customer)

	assert.Equal(t, "0738700797", recs[1].ASIN)
	assert.Empty(t, recs[1].Reviews)

	assert.Equal(t, int64(2), st.Records)
	assert.Equal(t, int64(1), st.DroppedReviews)
	assert.Equal(t, int64(1), st.SkippedLines)
}

func TestAssembler_ReviewOutsideReviewsSection(t *testing.T) {
	t.Parallel()

	in := "Id: 1\nASIN: A\n  categories: 1\n    2000-7-28  cutomer: C  rating: 5  votes: 1  helpful: 1\n"
	recs, st := collect(t, in)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Reviews)
	assert.Equal(t, int64(1), st.SkippedLines)
}

func TestAssembler_CategoriesHeaderLeavesReviews(t *testing.T) {
	t.Parallel()

	var a Assembler
	a.Feed(Classify("Id: 1"))
	assert.Equal(t, InBlock, a.State())
	a.Feed(Classify("  reviews: total: 0"))
	assert.Equal(t, InReviews, a.State())
	a.Feed(Classify("  categories: 0"))
	assert.Equal(t, InCategories, a.State())

	_, ok := a.Finish()
	assert.False(t, ok)
	assert.Equal(t, Idle, a.State())
}

func TestAssembler_DuplicateASINBlocksAreBothEmitted(t *testing.T) {
	t.Parallel()

	in := "Id: 1\nASIN: B0001\n  title: First\nId: 2\nASIN: B0001\n  title: Second\n"
	recs, _ := collect(t, in)
	require.Len(t, recs, 2)
	assert.Equal(t, "First", recs[0].Title)
	assert.Equal(t, "Second", recs[1].Title)
}
