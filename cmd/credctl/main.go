// credctl hashes a password and prints a users entry for the gateway's
// credentials file. The password is read from stdin so it never appears
// in shell history or the process list.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"secure-analysis-gateway/internal/credentials"
	"secure-analysis-gateway/internal/models"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var username string
	var scopes []string
	var cost int

	flagSet := pflag.NewFlagSet("credctl", pflag.ContinueOnError)
	flagSet.StringVarP(&username, "username", "u", "", "username to provision")
	flagSet.StringSliceVarP(&scopes, "scope", "s", []string{"read"}, "scopes to grant (read, write, admin); repeatable")
	flagSet.IntVar(&cost, "cost", 12, "bcrypt cost")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if username == "" {
		return errors.New("--username is required")
	}

	parsed := make([]models.Scope, 0, len(scopes))
	for _, raw := range scopes {
		s, ok := models.ParseScope(raw)
		if !ok {
			return fmt.Errorf("unknown scope %q", raw)
		}
		parsed = append(parsed, s)
	}

	password, err := readPassword(stdin)
	if err != nil {
		return err
	}
	hash, err := credentials.HashPassword(password, cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	entry, err := credentials.Entry(username, hash, parsed)
	if err != nil {
		return err
	}
	_, err = stdout.Write(entry)
	return err
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}
	return password, nil
}
