// Package render writes command output as a table, JSON, YAML or TSV.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTSV   Format = "tsv"
)

// ParseFormat validates a format name. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML, FormatTSV:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format %q: must be one of: table, json, yaml, tsv", s)
	}
}

// Options for rendering
type Options struct {
	Format Format
	// Porcelain drops table decoration and JSON indentation.
	Porcelain bool
}

// Renderer handles output rendering
type Renderer struct {
	writer io.Writer
	opts   Options
}

// NewRenderer creates a new renderer
func NewRenderer(writer io.Writer, opts Options) *Renderer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Renderer{
		writer: writer,
		opts:   opts,
	}
}

// Table is a result with a structured form (Data, for json and yaml) and
// a row form (Headers and Rows, for table and tsv).
type Table struct {
	Headers []string
	Rows    [][]string
	Data    any
}

// Render writes t in the configured format.
func (r *Renderer) Render(t Table) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.RenderJSON(t.Data)
	case FormatYAML:
		return r.RenderYAML(t.Data)
	case FormatTSV:
		return r.RenderTSV(t.Headers, t.Rows)
	default:
		return r.RenderTable(t.Headers, t.Rows)
	}
}

// RenderJSON renders data as JSON
func (r *Renderer) RenderJSON(data any) error {
	encoder := json.NewEncoder(r.writer)
	if !r.opts.Porcelain {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// RenderYAML renders data as YAML
func (r *Renderer) RenderYAML(data any) error {
	encoder := yaml.NewEncoder(r.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// RenderTSV renders data as tab-separated values
func (r *Renderer) RenderTSV(headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(r.writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(r.writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable renders data as a formatted table
func (r *Renderer) RenderTable(headers []string, rows [][]string) error {
	if r.opts.Porcelain {
		return r.RenderTSV(headers, rows)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(r.writer, "(none)")
		return err
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	r.renderTableRow(headers, widths)
	r.renderTableSeparator(widths)
	for _, row := range rows {
		r.renderTableRow(row, widths)
	}
	return nil
}

func (r *Renderer) renderTableRow(cells []string, widths []int) {
	line := make([]string, 0, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		line = append(line, fmt.Sprintf("%-*s", w, cell))
	}
	fmt.Fprintln(r.writer, strings.TrimRight(strings.Join(line, "  "), " "))
}

func (r *Renderer) renderTableSeparator(widths []int) {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w)
	}
	fmt.Fprintln(r.writer, strings.Join(parts, "  "))
}
