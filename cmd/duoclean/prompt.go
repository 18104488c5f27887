package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"duoclean.org/internal/classify"
	"duoclean.org/internal/cleanup"
)

// newPrompter asks on out before each deletion and reads the answer from in. Only
// "y" or "yes" confirms; end of input declines.
func newPrompter(in io.Reader, out io.Writer) cleanup.ConfirmFunc {
	r := bufio.NewReader(in)
	return func(ctx context.Context, res classify.Result) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "  Delete user %s (%s)? [y/N]: ", res.Username, res.UserID)
		answer, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		default:
			fmt.Fprintln(out, "  -> Skipped")
			return false, nil
		}
	}
}

// readUsernames returns the lines of path. WithUsernames drops blanks and comments.
func readUsernames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open username file: %w", err)
	}
	defer f.Close()
	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		names = append(names, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read username file: %w", err)
	}
	return names, nil
}

func printOutcomes(w io.Writer, outcomes []cleanup.AccountOutcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("  %-32s -> %s", o.Username, o.Result)
		if o.Error != "" {
			line += " (" + o.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func cliActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
