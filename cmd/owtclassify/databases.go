package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/obs2co/owt-server/internal/reference"
)

var databasesCmd = &cobra.Command{
	Use:   "databases",
	Short: "List the shipped reference databases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVARIANTS\tCLASSES\tRANGE (nm)\tDESCRIPTION")
		for _, c := range reference.Databases() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%g-%g\t%s\n",
				c.Name, strings.Join(c.Variants, ","), c.Classes, c.WavelengthMin, c.WavelengthMax, c.Description)
		}
		return w.Flush()
	},
}
