package cli

import (
	"bufio"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"planpal/internal/credential"
)

var secretKeys = []string{
	credential.KeyOpenAIAPIKey,
	credential.KeySMTPPassword,
	credential.KeyTelegramToken,
}

// openSecretStore is swapped in tests.
var openSecretStore = func(dir string) (*credential.Store, error) { return credential.Open(dir) }

func newSecretCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
		Long: "Secrets stored here are used when the matching keyring flag is set in the config\n" +
			"(generator.keyring_api_key, notifier.smtp.keyring_password, notifier.telegram.keyring_token).\n" +
			"Keys: " + strings.Join(secretKeys, ", "),
	}

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret read from the first line of stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkSecretKey(args[0]); err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading secret from stdin: %w", err)
			}
			st, err := openSecretStore(opts.keyringDir)
			if err != nil {
				return err
			}
			if err := st.Set(args[0], strings.TrimSpace(line)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkSecretKey(args[0]); err != nil {
				return err
			}
			st, err := openSecretStore(opts.keyringDir)
			if err != nil {
				return err
			}
			if err := st.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

func checkSecretKey(key string) error {
	if !slices.Contains(secretKeys, key) {
		return fmt.Errorf("unknown secret %q (want one of %s)", key, strings.Join(secretKeys, ", "))
	}
	return nil
}
