package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/xerrors"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/pgcryptofields/database"
	"github.com/coder/pgcryptofields/pgcrypto"
	"github.com/coder/serpent"
)

func (r *RootCmd) list() *serpent.Command {
	var (
		tableName string
		columns   []string
		orderBy   []string
		limit     int64
		offset    int64
		output    string
	)
	return &serpent.Command{
		Use:   "list",
		Short: "Print decrypted rows of a configured table.",
		Long: "Hash columns cannot be decrypted and print their stored digest in hex.\n\n" + formatExamples(
			example{
				Description: "Show the ten newest rows",
				Command:     "pgcrypto list --table users --order-by -id --limit 10",
			},
		),
		Middleware: serpent.RequireNArgs(0),
		Options: serpent.OptionSet{
			{
				Flag:        "table",
				Description: "Name of the configured table.",
				Value:       serpent.StringOf(&tableName),
			},
			{
				Flag:          "column",
				FlagShorthand: "c",
				Description:   "Columns to print. Defaults to every column.",
				Value:         serpent.StringArrayOf(&columns),
			},
			{
				Flag:        "order-by",
				Description: "Columns to sort by, prefixed with - for descending order.",
				Value:       serpent.StringArrayOf(&orderBy),
			},
			{
				Flag:        "limit",
				Description: "Maximum number of rows to print.",
				Default:     "25",
				Value:       serpent.Int64Of(&limit),
			},
			{
				Flag:        "offset",
				Description: "Number of rows to skip.",
				Default:     "0",
				Value:       serpent.Int64Of(&offset),
			},
			{
				Flag:          "output",
				FlagShorthand: "o",
				Description:   "Output format.",
				Default:       "table",
				Value:         serpent.EnumOf(&output, "table", "json"),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			if tableName == "" {
				return xerrors.New("--table is required")
			}
			logger, closeLog, err := r.logger(inv)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, keys, err := r.loadKeys()
			if err != nil {
				return err
			}
			t, err := cfg.Table(tableName)
			if err != nil {
				return err
			}
			for _, name := range columns {
				if name == t.PK() {
					continue
				}
				if _, err := t.Column(name); err != nil {
					return err
				}
			}

			sqlDB, closeDB, err := r.connect(ctx, logger, false)
			if err != nil {
				return err
			}
			defer closeDB()

			m, err := pgcrypto.NewManager(database.New(sqlDB), t, keys, pgcrypto.WithLogger(logger))
			if err != nil {
				return err
			}
			records, err := m.Query().OrderBy(orderBy...).Limit(int(limit)).Offset(int(offset)).All(ctx)
			if err != nil {
				return err
			}

			header := table.Row{t.PK()}
			for _, c := range t.Columns {
				header = append(header, c.Name)
			}
			if output == "json" {
				return printRecordsJSON(inv, header, columns, records)
			}

			tw := cliui.Table()
			tw.AppendHeader(header)
			if len(columns) > 0 {
				tw.SetColumnConfigs(cliui.FilterTableColumns(header, append([]string{t.PK()}, columns...)))
			}
			for _, rec := range records {
				row := table.Row{rec.PK()}
				for _, c := range t.Columns {
					v, err := rec.Get(c.Name)
					if err != nil {
						return err
					}
					row = append(row, formatValue(v))
				}
				tw.AppendRow(row)
			}
			_, err = fmt.Fprintln(inv.Stdout, tw.Render())
			return err
		},
	}
}

func printRecordsJSON(inv *serpent.Invocation, header table.Row, columns []string, records []*pgcrypto.Record) error {
	show := map[string]bool{}
	for _, c := range columns {
		show[c] = true
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := map[string]any{}
		for i, raw := range header {
			name, _ := raw.(string)
			if i > 0 && len(show) > 0 && !show[name] {
				continue
			}
			v, err := rec.Get(name)
			if err != nil {
				return err
			}
			row[name] = jsonValue(v)
		}
		out = append(out, row)
	}
	enc := json.NewEncoder(inv.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// formatValue renders a decoded value for a table cell.
// jsonValue matches the table output for values encoding/json would render
// differently.
func jsonValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return hex.EncodeToString(t)
	case time.Time:
		return t.Format(pgcrypto.DateLayout)
	}
	return v
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return hex.EncodeToString(t)
	case time.Time:
		return t.Format(pgcrypto.DateLayout)
	}
	return fmt.Sprint(v)
}
