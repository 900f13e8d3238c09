package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"agentd/internal/infra/config"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Encrypt values for the config file",
	Long: `Encrypt gateway tokens so they can be stored in config.yaml as "enc:..."
values. The passphrase is read from AGENTD_CONFIG_KEY, or prompted for, and
must be set in AGENTD_CONFIG_KEY when the server starts.`,
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt [VALUE]",
	Short: "Encrypt a value (prompts for it if omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 1 {
			value = args[0]
		} else {
			raw, err := readSecret(cmd.ErrOrStderr(), "Value to encrypt: ")
			if err != nil {
				return err
			}
			value = raw
		}
		if value == "" {
			return fmt.Errorf("value must not be empty")
		}
		pass, err := passphrase(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		enc, err := config.EncryptValue(value, pass)
		if err != nil {
			return fmt.Errorf("encrypting: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), config.SecretPrefix+enc)
		return nil
	},
}

var secretDecryptCmd = &cobra.Command{
	Use:   "decrypt <enc:VALUE>",
	Short: "Decrypt a value produced by encrypt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := passphrase(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		plain, err := config.DecryptValue(strings.TrimPrefix(args[0], config.SecretPrefix), pass)
		if err != nil {
			return fmt.Errorf("decrypting: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), plain)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretEncryptCmd)
	secretCmd.AddCommand(secretDecryptCmd)
}

func passphrase(prompt io.Writer) (string, error) {
	if p := os.Getenv("AGENTD_CONFIG_KEY"); p != "" {
		return p, nil
	}
	p, err := readSecret(prompt, "Passphrase: ")
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	return p, nil
}

// readSecret prompts on w and reads one line from the terminal without echo.
func readSecret(w io.Writer, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; pass the value as an argument or set AGENTD_CONFIG_KEY")
	}
	fmt.Fprint(w, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(raw), nil
}
