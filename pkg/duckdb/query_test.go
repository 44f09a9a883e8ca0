package duckdb

import (
	"testing"

	"github.com/sandboxws/windist/pkg/window"
)

func TestBuildQuery(t *testing.T) {
	spec := &window.Spec{
		PartitionBy: []string{"part"},
		OrderBy:     []window.OrderKey{{Column: "ts", Desc: true}},
		Frame:       window.Rows,
		Preceding:   2,
		Following:   0,
		Aggregates: []window.Aggregate{
			{Kind: window.Sum, Column: "value", Output: "total"},
			{Kind: window.Lead, Column: "value", Offset: 3, HasOffset: true},
			{Kind: window.RowNumber},
			{Kind: window.Count},
		},
	}
	got, err := BuildQuery(spec)
	if err != nil {
		t.Fatal(err)
	}
	base := `PARTITION BY "part" ORDER BY "ts" DESC, "__rowid"`
	want := `SELECT SUM("value") OVER (` + base + ` ROWS BETWEEN 2 PRECEDING AND 0 FOLLOWING) AS "total", ` +
		`LEAD("value", 3) OVER (` + base + `) AS "lead_value_3", ` +
		`ROW_NUMBER() OVER (` + base + `) AS "row_number", ` +
		`COUNT(*) OVER (` + base + ` ROWS BETWEEN 2 PRECEDING AND 0 FOLLOWING) AS "count" ` +
		`FROM input ORDER BY "__rowid"`
	if got != want {
		t.Errorf("unexpected query\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildQueryRange(t *testing.T) {
	spec := &window.Spec{
		OrderBy:    []window.OrderKey{{Column: `we"ird`}},
		Frame:      window.Range,
		Preceding:  5,
		Following:  5,
		Aggregates: []window.Aggregate{{Kind: window.Avg, Expr: "value * 2", Output: "a"}},
	}
	got, err := BuildQuery(spec)
	if err != nil {
		t.Fatal(err)
	}
	want := `SELECT AVG((value * 2)) OVER (ORDER BY "we""ird" ASC RANGE BETWEEN 5 PRECEDING AND 5 FOLLOWING) AS "a" FROM input ORDER BY "__rowid"`
	if got != want {
		t.Errorf("unexpected query\n got: %s\nwant: %s", got, want)
	}

	if _, err := BuildQuery(&window.Spec{}); err == nil {
		t.Error("expected error for a definition without aggregates")
	}
}
