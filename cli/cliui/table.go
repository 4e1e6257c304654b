package cliui

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Table creates a new table with standardized styles.
func Table() table.Writer {
	tableWriter := table.NewWriter()
	tableWriter.Style().Box.PaddingLeft = ""
	tableWriter.Style().Box.PaddingRight = "  "
	tableWriter.Style().Options.DrawBorder = false
	tableWriter.Style().Options.SeparateHeader = false
	tableWriter.Style().Options.SeparateColumns = false
	return tableWriter
}

// FilterTableColumns returns configurations hiding the header columns not
// listed in columns. An empty list shows every column.
func FilterTableColumns(header table.Row, columns []string) []table.ColumnConfig {
	if len(columns) == 0 {
		return nil
	}
	configs := make([]table.ColumnConfig, 0, len(header))
	for _, raw := range header {
		name, _ := raw.(string)
		hidden := true
		for _, column := range columns {
			if strings.EqualFold(column, name) {
				hidden = false
				break
			}
		}
		configs = append(configs, table.ColumnConfig{Name: name, Hidden: hidden})
	}
	return configs
}
