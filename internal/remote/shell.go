package remote

import (
	"context"
	"fmt"
	"strings"
)

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:@%+,", r):
		return false
	}
	return true
}

// Join quotes every argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// BashC returns `bash -c '<script>'` with script quoted.
func BashC(script string) string {
	return "bash -c " + Quote(script)
}

// Exists reports whether remotePath is a regular file on the host behind c.
// Output on stderr is returned as an error so callers can retry.
func Exists(ctx context.Context, c Client, remotePath string) (bool, error) {
	out, err := c.Run(ctx, "test -f "+Quote(remotePath)+" && echo exists || echo not_exists")
	if err != nil {
		return false, err
	}
	if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
		return false, fmt.Errorf("check %s: %s", remotePath, stderr)
	}
	return strings.TrimSpace(out.Stdout) == "exists", nil
}
