package assembler

import (
	"fmt"
	"strconv"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
)

// TableCSV renders table as RFC 4180 CSV with a header row. Numbers use the
// shortest representation that parses back to the same float64. A nil cell is
// an empty unquoted field and an empty string is written as "", so the two
// stay distinct.
func TableCSV(table *geoscale.Table) (string, error) {
	var b strings.Builder

	header := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = quoteField(c.Name)
	}
	b.WriteString(strings.Join(header, ","))
	b.WriteString("\r\n")

	for r, row := range table.Rows {
		if len(row) != len(table.Columns) {
			return "", fmt.Errorf("row %d has %d cells, expected %d", r, len(row), len(table.Columns))
		}
		for i, v := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			if v != nil {
				b.WriteString(quoteField(formatCell(v)))
			}
		}
		b.WriteString("\r\n")
	}
	return b.String(), nil
}

// ParseTableCSV reads CSV produced by TableCSV back into a table using the
// column types of columns. The header must name the same columns in order.
func ParseTableCSV(data string, columns []geoscale.Column) (*geoscale.Table, error) {
	records, err := readCSV(data)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header")
	}
	if len(records[0]) != len(columns) {
		return nil, fmt.Errorf("csv has %d columns, expected %d", len(records[0]), len(columns))
	}
	for i, f := range records[0] {
		if f.text != columns[i].Name {
			return nil, fmt.Errorf("csv column %d is %q, expected %q", i, f.text, columns[i].Name)
		}
	}

	table := &geoscale.Table{Columns: append([]geoscale.Column(nil), columns...)}
	for n, rec := range records[1:] {
		if len(rec) != len(columns) {
			return nil, fmt.Errorf("csv row %d has %d fields, expected %d", n+1, len(rec), len(columns))
		}
		row := make([]interface{}, len(rec))
		for i, f := range rec {
			v, err := parseCell(f, columns[i].Type)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", columns[i].Name, err)
			}
			row[i] = v
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func quoteField(s string) string {
	if s != "" && !strings.ContainsAny(s, ",\"\r\n") && s[0] != ' ' && s[len(s)-1] != ' ' {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func formatCell(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func parseCell(f field, typ geoscale.AttributeType) (interface{}, error) {
	if f.text == "" && !f.quoted {
		return nil, nil
	}
	switch typ {
	case geoscale.AttrNumber:
		return strconv.ParseFloat(f.text, 64)
	case geoscale.AttrBoolean:
		return strconv.ParseBool(f.text)
	}
	return f.text, nil
}

// field is one CSV field; quoted records whether it was enclosed in quotes.
type field struct {
	text   string
	quoted bool
}

// readCSV parses RFC 4180 records, keeping the quoted flag that
// encoding/csv discards. Both CRLF and LF end a record.
func readCSV(data string) ([][]field, error) {
	var (
		records [][]field
		rec     []field
		line    = 1
	)
	i := 0
	for i < len(data) {
		var f field
		if data[i] == '"' {
			f.quoted = true
			var b strings.Builder
			i++
			for {
				if i >= len(data) {
					return nil, fmt.Errorf("csv line %d: unterminated quoted field", line)
				}
				c := data[i]
				if c == '"' {
					if i+1 < len(data) && data[i+1] == '"' {
						b.WriteByte('"')
						i += 2
						continue
					}
					i++
					break
				}
				if c == '\n' {
					line++
				}
				b.WriteByte(c)
				i++
			}
			f.text = b.String()
			if i < len(data) && data[i] != ',' && data[i] != '\r' && data[i] != '\n' {
				return nil, fmt.Errorf("csv line %d: unexpected %q after quoted field", line, data[i])
			}
		} else {
			start := i
			for i < len(data) && data[i] != ',' && data[i] != '\r' && data[i] != '\n' {
				if data[i] == '"' {
					return nil, fmt.Errorf("csv line %d: bare quote in unquoted field", line)
				}
				i++
			}
			f.text = data[start:i]
		}
		rec = append(rec, f)

		switch {
		case i >= len(data):
			records = append(records, rec)
			rec = nil
		case data[i] == ',':
			i++
			if i == len(data) {
				records = append(records, append(rec, field{}))
				rec = nil
			}
		default:
			if data[i] == '\r' {
				i++
			}
			if i < len(data) && data[i] == '\n' {
				i++
			}
			records = append(records, rec)
			rec = nil
			line++
		}
	}
	return records, nil
}
