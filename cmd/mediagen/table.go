package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column. A zero maxWidth leaves the column unbounded;
// otherwise long cells such as failure reasons wrap at word boundaries.
type column struct {
	header   string
	align    text.Align
	maxWidth int
}

var (
	sessionColumns = []column{{header: "Field"}, {header: "Value"}}

	rejectionColumns = []column{{header: "Field"}, {header: "Problem", maxWidth: 60}}

	jobColumns = []column{
		{header: "Job"},
		{header: "Kind"},
		{header: "State"},
		{header: "Attempts", align: text.AlignRight},
		{header: "Result", maxWidth: 48},
	}
)

func renderTable(title string, columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	if title != "" {
		tw.SetTitle(title)
	}

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		header[i] = c.header
		align := c.align
		if align == text.AlignDefault {
			align = text.AlignLeft
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
		if c.maxWidth > 0 {
			configs[i].WidthMax = c.maxWidth
			configs[i].WidthMaxEnforcer = text.WrapSoft
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
