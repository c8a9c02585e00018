package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/karasz/tpmlog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var withToken bool

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage remote credentials in the OS keyring",
	Long: `Stores the basic auth password and XSRF token for a remote user in the OS
keyring, so they can be left out of the configuration file. Configured values
always take precedence over the keyring.`,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <username>",
	Short: "Store the password (and optionally the XSRF token) for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsSet,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Remove stored secrets for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tpmlog.DeleteCredentials(args[0]); err != nil {
			return err
		}
		fmt.Printf("Credentials for %s removed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)
	credentialsSetCmd.Flags().BoolVar(&withToken, "xsrf", false, "also prompt for an XSRF token")
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	c := tpmlog.Credentials{Username: args[0]}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := readSecret()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	c.Password = pw

	if withToken {
		fmt.Fprint(os.Stderr, "XSRF token: ")
		tok, err := readSecret()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		c.XSRFToken = tok
	}

	if err := tpmlog.SaveCredentials(c); err != nil {
		return err
	}
	fmt.Printf("Credentials for %s saved to the keyring\n", c.Username)
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

// readSecret reads a line from stdin without echoing when stdin is a terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
