package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tumblrbackup/pkg/auth"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored API key",
	Long: `Manage the API key stored in the system keychain.

The backup command resolves the key in this order:
  - the --api-key flag
  - the TUMBLRBACKUP_API_KEY environment variable
  - the system keychain

To obtain a key, register an application at
https://www.tumblr.com/oauth/apps and use its OAuth consumer key.`,
}

// authSetCmd represents the auth set command
var authSetCmd = &cobra.Command{
	Use:   "set [key]",
	Short: "Store the API key in the system keychain",
	Long: `Store the API key securely in the system keychain.

When no key is given on the command line you are prompted for it;
the input is hidden while you type.`,
	Example: `  # Interactive, hidden input
  tumblrbackup auth set

  # Non-interactive
  tumblrbackup auth set your_consumer_key`,
	Args: cobra.MaximumNArgs(1),
	Run:  runAuthSet,
}

// authShowCmd represents the auth show command
var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show where an API key is configured",
	Run:   runAuthShow,
}

// authDeleteCmd represents the auth delete command
var authDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the API key from the system keychain",
	Run:   runAuthDelete,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authShowCmd)
	authCmd.AddCommand(authDeleteCmd)
}

func runAuthSet(cmd *cobra.Command, args []string) {
	store, err := auth.NewKeyringStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "System keychain not available:", err)
		fmt.Fprintln(os.Stderr, "\nUse the environment variable instead:")
		fmt.Fprintln(os.Stderr, "  export TUMBLRBACKUP_API_KEY=your_key")
		os.Exit(1)
	}

	var key string
	if len(args) > 0 {
		key = strings.TrimSpace(args[0])
	} else {
		fmt.Print("API key: ")
		key, err = readSecret()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to read API key:", err)
			os.Exit(1)
		}
	}

	if err := store.Set(key); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to store API key:", err)
		os.Exit(1)
	}
	fmt.Println("API key stored in the system keychain.")
}

func runAuthShow(cmd *cobra.Command, args []string) {
	if os.Getenv("TUMBLRBACKUP_API_KEY") != "" {
		fmt.Println("API key: set via TUMBLRBACKUP_API_KEY (takes precedence)")
	}

	store, err := auth.NewKeyringStore()
	if err != nil {
		fmt.Println("System keychain: not available")
		return
	}
	key, err := store.Get()
	if err != nil {
		fmt.Println("System keychain: no key stored")
		return
	}
	fmt.Printf("System keychain: %s\n", maskKey(key))
}

func runAuthDelete(cmd *cobra.Command, args []string) {
	store, err := auth.NewKeyringStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "System keychain not available:", err)
		os.Exit(1)
	}
	if err := store.Delete(); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to remove API key:", err)
		os.Exit(1)
	}
	fmt.Println("API key removed from the system keychain.")
}

// readSecret reads a line from stdin without echoing when stdin is a
// terminal, falling back to plain input when it is not.
func readSecret() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(secret)), nil
		}
	}
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "stored (hidden)"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
