package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"prismachat/internal/auth"
	"prismachat/internal/store"
)

// setPassword prompts for a new password and stores its hash for username.
// It creates the account when it does not exist yet, and gives legacy
// passwordless accounts a way back in.
func setPassword(ctx context.Context, users store.UserStore, username string, in io.Reader, out io.Writer) error {
	username = strings.TrimSpace(username)
	if len(username) < minUsernameLen {
		return fmt.Errorf("username must be at least %d characters", minUsernameLen)
	}

	scanner := bufio.NewScanner(in)
	var password string
	for {
		fmt.Fprint(out, "Password: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			return errors.New("no password entered")
		}
		password = strings.TrimRight(scanner.Text(), "\r")
		if len(password) >= minPasswordLen {
			break
		}
		fmt.Fprintf(out, "Password must be at least %d characters.\n", minPasswordLen)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	err = users.SetPassword(ctx, username, hash)
	if errors.Is(err, store.ErrNotFound) {
		if _, err = users.CreateUser(ctx, username, hash); err == nil {
			fmt.Fprintf(out, "Created user %s.\n", username)
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("set password for %s: %w", username, err)
	}
	fmt.Fprintf(out, "Password updated for %s.\n", username)
	return nil
}
