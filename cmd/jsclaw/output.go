package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// OutputWriter renders command results as indented JSON or an aligned
// text table.
type OutputWriter struct {
	json bool
	w    io.Writer
}

// NewOutputWriter creates a new output writer.
func NewOutputWriter(jsonMode bool, w io.Writer) *OutputWriter {
	return &OutputWriter{json: jsonMode, w: w}
}

// Write outputs v as JSON, or as a table built from tableFunc's
// (headers, rows) in text mode.
func (o *OutputWriter) Write(v interface{}, tableFunc func() ([]string, [][]string)) error {
	if o.json {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	if tableFunc == nil {
		return fmt.Errorf("no table formatter provided")
	}

	headers, rows := tableFunc()
	if len(headers) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
