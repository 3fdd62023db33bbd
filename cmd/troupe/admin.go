package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/troupehq/troupe/internal/service"
)

// runAdmin dispatches admin subcommands (keygen, hash).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "keygen":
		return runAdminKeygen(args[1:])
	case "hash":
		return runAdminHash(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: troupe admin <command> [options]

Commands:
  keygen   Generate a new operator API key and its config hash
  hash     Hash an existing key for storage in config
  help     Show this help message

Examples:
  troupe admin keygen
  troupe admin hash
  troupe admin hash --key tpk_0123abcd...
`)
}

// runAdminKeygen generates a fresh API key. The raw key is printed once;
// only the hash goes into the config file.
func runAdminKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, hash, err := service.GenerateKey()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "API key (save it now, it is not stored anywhere):\n")
	fmt.Println(key)
	fmt.Fprintf(os.Stderr, "\nAdd to troupe.yaml:\n\nauth:\n  enabled: true\n  api_key_hash: %q\n", hash)
	return nil
}

// runAdminHash hashes a key the operator already has.
func runAdminHash(args []string) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	key := fs.String("key", "", "API key to hash (prompted if not provided)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	k := *key
	if k == "" {
		var err error
		k, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
	}
	if k == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := service.HashKey(k)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
