// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/corrstate/internal/errors"
	"grimm.is/corrstate/internal/snapshot"
)

func (c *cli) exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the live table contents into a SQLite database",
		Long: `Writes one snapshot of every live flowbit and rate entry into the SQLite
database given by --db. Repeated exports append new snapshots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := c.v.GetString("db")
			if path == "" {
				return errors.New(errors.KindValidation, "--db is required")
			}

			reg, err := c.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()

			res, err := snapshot.Export(cmd.Context(), reg, path)
			if err != nil {
				return err
			}
			c.logger.Info("Snapshot written", "db", path, "snapshot", res.ID,
				"flowbits", res.Flowbits, "rates", res.Rates)
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d: %d flowbits, %d rate entries\n",
				res.ID, res.Flowbits, res.Rates)
			return nil
		},
	}
	cmd.Flags().String("db", "", "SQLite database to write")
	return cmd
}
