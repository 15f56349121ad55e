package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Table is one query result rendered as text cells.
type Table struct {
	// Name is the file stem used for CSV export, e.g. "q4_top_by_group".
	Name    string
	Title   string
	Columns []string
	Rows    [][]string
}

// PrintTable writes t as aligned columns under an upper-cased header,
// separated by two spaces.
func PrintTable(w io.Writer, t Table) error {
	if len(t.Columns) == 0 {
		return nil
	}
	if t.Title != "" {
		if _, err := fmt.Fprintf(w, "== %s ==\n", t.Title); err != nil {
			return err
		}
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = strings.ToUpper(c)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n\n", len(t.Rows))
	return err
}

// WriteCSV writes t to dir/<Name>.csv with a header row, creating dir.
// It returns the path written.
func WriteCSV(dir string, t Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, t.Name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	cw := csv.NewWriter(f)
	_ = cw.Write(t.Columns)
	_ = cw.WriteAll(t.Rows)
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

func reviewTable(name, title string, rows []ReviewRow) Table {
	t := Table{Name: name, Title: title, Columns: []string{"customer_id", "rating", "votes", "helpful", "review_date"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.CustomerID, itoa(r.Rating), itoa(r.Votes), itoa(r.Helpful), date(r.Date)})
	}
	return t
}

func similarTable(rows []SimilarRow) Table {
	t := Table{Name: "q2_similar_by_rank", Title: "Similar products by salesrank", Columns: []string{"similar_asin", "title", "salesrank"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.ASIN, r.Title, itoa(r.SalesRank)})
	}
	return t
}

func dailyRatingTable(rows []DailyRatingRow) Table {
	t := Table{Name: "q3_daily_rating", Title: "Daily average rating", Columns: []string{"review_date", "avg_rating"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{date(r.Date), ftoa(r.AvgRating)})
	}
	return t
}

func groupProductTable(rows []GroupProductRow) Table {
	t := Table{Name: "q4_top_by_group", Title: "Top sellers per group", Columns: []string{"group_name", "rank", "asin", "title", "salesrank"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.Group, itoa(r.Rank), r.ASIN, r.Title, itoa(r.SalesRank)})
	}
	return t
}

func usefulProductTable(rows []UsefulProductRow) Table {
	t := Table{Name: "q5_most_helpful_products", Title: "Products by average review usefulness", Columns: []string{"asin", "title", "avg_usefulness"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.ASIN, r.Title, ftoa(r.AvgUsefulness)})
	}
	return t
}

func usefulCategoryTable(rows []UsefulCategoryRow) Table {
	t := Table{Name: "q6_top_categories_by_helpful", Title: "Categories by average review usefulness", Columns: []string{"category", "avg_usefulness"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.Name, ftoa(r.AvgUsefulness)})
	}
	return t
}

func groupCustomerTable(rows []GroupCustomerRow) Table {
	t := Table{Name: "q7_top_customers_by_group", Title: "Most active customers per group", Columns: []string{"group_name", "rank", "customer_id", "reviews"}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{r.Group, itoa(r.Rank), r.CustomerID, itoa(r.Reviews)})
	}
	return t
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 4, 64) }

func date(t time.Time) string { return t.Format("2006-01-02") }
