// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/ipc"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (c *cli) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or attach every shared table and report its state",
		Long: `Runs the table bring-up once: tables are created when missing and
attached otherwise. If the counters table had to be created, every other
table file is discarded first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			renderSummary(cmd.OutOrStdout(), reg)
			return reg.Sync()
		},
	}
}

func (c *cli) dumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [table]",
		Short: "Print the live entries of one or all tables",
		Long: `Prints the live entries of the named table, or of every table when no
name is given. Table names: counters, flowbit, thresh_by_src, thresh_by_dst,
thresh_by_username, after_by_src, after_by_dst, after_by_username.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := ipc.AllTables()
			if len(args) == 1 {
				id, err := ipc.ParseTableID(args[0])
				if err != nil {
					return err
				}
				ids = []ipc.TableID{id}
			}

			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			var all []ipc.Rows
			for _, id := range ids {
				rows, err := reg.Rows(id)
				if err != nil {
					return err
				}
				all = append(all, rows)
			}
			return writeDump(cmd.OutOrStdout(), c.v.GetString("format"), all)
		},
	}
	cmd.Flags().String("format", "table", "output format (table, json, yaml)")
	return cmd
}

// dumpDoc is the machine-readable form of one dumped table.
type dumpDoc struct {
	Table  string     `json:"table" yaml:"table"`
	Title  string     `json:"title" yaml:"title"`
	Header []string   `json:"header" yaml:"header"`
	Rows   [][]string `json:"rows" yaml:"rows"`
}

func writeDump(w io.Writer, format string, all []ipc.Rows) error {
	docs := make([]dumpDoc, 0, len(all))
	for _, r := range all {
		rows := r.Rows
		if rows == nil {
			rows = [][]string{}
		}
		docs = append(docs, dumpDoc{Table: r.Table.String(), Title: r.Title, Header: r.Header, Rows: rows})
	}

	switch format {
	case "", "table":
		for _, r := range all {
			renderRows(w, r)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(docs); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Errorf(errors.KindValidation, "unknown format %q (table, json, yaml)", format)
}

func (c *cli) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every shared table file",
		Long: `Removes the backing files of every table. Processes that still have the
tables mapped keep working on their detached copy; the next bring-up
starts from empty tables.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return ipc.Clean(c.cfg.IPC.Directory, c.logger.WithComponent("ipc"))
		},
	}
}

func renderSummary(w io.Writer, reg *ipc.Registry) {
	state := "reloaded"
	if reg.CountersFresh() {
		state = "new"
	}
	fmt.Fprintln(w, titleStyle.Render("Shared tables in "+reg.Dir()+" ("+state+")"))

	t := newTable("Table", "Live", "Max", "Size", "State")
	for _, info := range reg.Tables() {
		s := "reloaded"
		if info.Created {
			s = "new"
		}
		t.Row(info.ID.String(), strconv.Itoa(info.Live), strconv.Itoa(info.Capacity),
			humanize.IBytes(uint64(info.Bytes)), s)
	}
	fmt.Fprintln(w, t.Render())
}

func renderRows(w io.Writer, rows ipc.Rows) {
	fmt.Fprintln(w, titleStyle.Render(rows.Title))
	if len(rows.Rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("(empty)"))
		fmt.Fprintln(w)
		return
	}
	t := newTable(rows.Header...)
	t.Rows(rows.Rows...)
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}
