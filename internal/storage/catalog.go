package storage

// Dimension is a controlled-vocabulary table mapping a unique name to a
// generated surrogate key.
type Dimension struct {
	Table      string
	KeyColumn  string
	NameColumn string
}

// Relation describes a table the loader writes in bulk.
//
// Columns is the order of every staged row. ConflictColumns is the natural or
// primary key used for insert-or-ignore.
type Relation struct {
	Table           string
	Columns         []string
	ConflictColumns []string
}

// ProductGroup is the only surrogate-keyed dimension of the schema.
var ProductGroup = Dimension{Table: "product_group", KeyColumn: "group_id", NameColumn: "name"}

// Relations of the target schema.
var (
	Customer = Relation{
		Table:           "customer",
		Columns:         []string{"customer_id"},
		ConflictColumns: []string{"customer_id"},
	}
	Category = Relation{
		Table:           "category",
		Columns:         []string{"category_id", "name"},
		ConflictColumns: []string{"category_id"},
	}
	Product = Relation{
		Table:           "product",
		Columns:         []string{"asin", "title", "salesrank", "group_id"},
		ConflictColumns: []string{"asin"},
	}
	ProductCategory = Relation{
		Table:           "product_category",
		Columns:         []string{"asin", "category_id"},
		ConflictColumns: []string{"asin", "category_id"},
	}
	ProductSimilar = Relation{
		Table:           "product_similar",
		Columns:         []string{"asin", "similar_asin"},
		ConflictColumns: []string{"asin", "similar_asin"},
	}
	Review = Relation{
		Table:           "review",
		Columns:         []string{"asin", "customer_id", "review_date", "rating", "votes", "helpful"},
		ConflictColumns: []string{"asin", "customer_id", "review_date"},
	}
)

// WriteOrder is the order relations are written within one batch so every
// foreign key target is written before its referrers.
var WriteOrder = []Relation{Customer, Category, Product, ProductCategory, ProductSimilar, Review}

// Tables lists every table of the schema, dimensions first.
func Tables() []string {
	out := []string{ProductGroup.Table}
	for _, r := range WriteOrder {
		out = append(out, r.Table)
	}
	return out
}
