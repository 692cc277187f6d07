// Package registry provides the quayd command line interface: serving the
// API, schema migration, account and repository administration and garbage
// collection.
package registry

import (
	"github.com/spf13/cobra"

	"github.com/quayd/quayd/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(MigrateFreshCmd)
	RootCmd.AddCommand(NewRepoCmd)
	RootCmd.AddCommand(NewUserCmd)
	RootCmd.AddCommand(GenKeyCmd)
	RootCmd.AddCommand(GCCmd)

	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
	NewRepoCmd.Flags().Bool("public", false, "make the repository publicly pullable")
	NewUserCmd.Flags().String("password", "", "password for the new account")
	NewUserCmd.Flags().Bool("admin", false, "grant the account admin rights")
	GenKeyCmd.Flags().String("output-file", "", "write the client secret to a file instead of stdout")
	GCCmd.Flags().Bool("report-orphans", false, "also walk the backend and report files the index does not know")
}

// RootCmd is the main command for the 'quayd' binary. Running it without a
// subcommand serves the registry.
var RootCmd = &cobra.Command{
	Use:   "quayd",
	Short: "an OCI distribution registry",
	Long:  "quayd serves the OCI distribution HTTP API over a sqlite-indexed storage backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			version.PrintVersion()
			return nil
		}
		return ServeCmd.RunE(cmd, args)
	},
}
