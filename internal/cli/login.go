package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const credentialsFileName = "credentials.json"

type credentials struct {
	User string `json:"user"`
}

func newLoginCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the user identity sent with API calls",
		Long:  "Store the user name the CLI presents to the GoWPS server in the X-User header.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				fmt.Fprint(cmd.OutOrStdout(), "User: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil {
					return fmt.Errorf("read user: %w", err)
				}
				user = strings.TrimSpace(line)
			}
			if user == "" {
				return fmt.Errorf("user cannot be empty")
			}

			credPath, err := credentialsPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(credPath), 0o700); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			data, err := json.MarshalIndent(credentials{User: user}, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal credentials: %w", err)
			}
			if err := os.WriteFile(credPath, data, 0o600); err != nil {
				return fmt.Errorf("write credentials: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Credentials saved to %s\n", credPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "as", "", "User name (prompted if omitted)")
	return cmd
}

// credentialsPath returns the path to the credentials file (~/.gowps/credentials.json).
func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".gowps", credentialsFileName), nil
}

// LoadUser reads the saved user, returning empty string if not found.
func LoadUser() string {
	p, err := credentialsPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return ""
	}
	return creds.User
}
