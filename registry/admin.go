package registry

import (
	"context"
	"fmt"
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/quayd/quayd/registry/metadata"
)

// openMetadata resolves the configuration and opens the metadata database
// for an administrative command.
func openMetadata(args []string) (*metadata.Store, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	configureLogging(config)
	return metadata.Open(config.Database.Path)
}

// MigrateFreshCmd drops and recreates the metadata schema.
var MigrateFreshCmd = &cobra.Command{
	Use:   "migrate-fresh [config]",
	Short: "drop and recreate the metadata schema",
	Long:  "Drop every metadata table and recreate the schema. All repositories, accounts and index rows are lost; backend files are left in place.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openMetadata(args)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.MigrateFresh(); err != nil {
			return err
		}
		log.Info("metadata schema recreated")
		return nil
	},
}

// NewRepoCmd creates a repository with explicit visibility.
var NewRepoCmd = &cobra.Command{
	Use:   "new-repo <name> [config]",
	Short: "create a repository",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		public, err := cmd.Flags().GetBool("public")
		if err != nil {
			return err
		}

		db, err := openMetadata(args[1:])
		if err != nil {
			return err
		}
		defer db.Close()

		repo, err := db.CreateRepository(context.Background(), args[0], public)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"name":   repo.Name,
			"public": repo.IsPublic,
		}).Info("repository created")
		return nil
	},
}

// NewUserCmd creates an account. The password is taken from --password or
// prompted for on the terminal.
var NewUserCmd = &cobra.Command{
	Use:   "new-user <email> [config]",
	Short: "create a user account",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := cmd.Flags().GetString("password")
		if err != nil {
			return err
		}
		admin, err := cmd.Flags().GetBool("admin")
		if err != nil {
			return err
		}

		if password == "" {
			fmt.Fprint(os.Stderr, "password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			password = string(raw)
		}
		if password == "" {
			return fmt.Errorf("a password is required")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		db, err := openMetadata(args[1:])
		if err != nil {
			return err
		}
		defer db.Close()

		user, err := db.CreateUser(context.Background(), args[0], string(hash), admin)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"email": user.Email,
			"admin": user.IsAdmin,
		}).Info("user created")
		return nil
	},
}

// GenKeyCmd issues a long-lived API client secret for an account.
var GenKeyCmd = &cobra.Command{
	Use:   "gen-key <email> [config]",
	Short: "issue an API client secret for a user",
	Long:  "Create an API client owned by the user and print its secret. The secret is presented as a bearer credential and carries every scope the owner holds.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputFile, err := cmd.Flags().GetString("output-file")
		if err != nil {
			return err
		}

		db, err := openMetadata(args[1:])
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		user, err := db.FindUserByEmail(ctx, args[0])
		if err != nil {
			return fmt.Errorf("looking up %s: %w", args[0], err)
		}

		client, err := db.CreateClient(ctx, user.ID)
		if err != nil {
			return err
		}

		if outputFile != "" {
			if err := os.WriteFile(outputFile, []byte(client.Secret+"\n"), 0o600); err != nil {
				return err
			}
			log.WithField("path", outputFile).Info("client secret written")
			return nil
		}
		fmt.Println(client.Secret)
		return nil
	},
}
