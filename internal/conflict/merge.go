package conflict

import (
	"strconv"
	"strings"

	"github.com/tasksync/tasksync/pkg/errors"
)

// MergeTexts performs a three-way line merge of local and remote edits
// against a common base. Lines changed on only one side take that
// side's version; lines both sides changed to the same value merge
// cleanly; lines both sides changed differently fail with a conflict
// error rather than guessing.
func MergeTexts(base, local, remote string) (string, error) {
	if local == remote {
		return local, nil
	}
	if local == base {
		return remote, nil
	}
	if remote == base {
		return local, nil
	}

	baseLines := splitLines(base)
	localLines := splitLines(local)
	remoteLines := splitLines(remote)

	n := len(baseLines)
	if len(localLines) > n {
		n = len(localLines)
	}
	if len(remoteLines) > n {
		n = len(remoteLines)
	}

	merged := make([]string, 0, n)
	for i := 0; i < n; i++ {
		b, hasBase := lineAt(baseLines, i)
		l, hasLocal := lineAt(localLines, i)
		r, hasRemote := lineAt(remoteLines, i)

		localChanged := hasLocal != hasBase || l != b
		remoteChanged := hasRemote != hasBase || r != b

		switch {
		case !localChanged && !remoteChanged:
			if hasBase {
				merged = append(merged, b)
			}
		case localChanged && !remoteChanged:
			if hasLocal {
				merged = append(merged, l)
			}
		case remoteChanged && !localChanged:
			if hasRemote {
				merged = append(merged, r)
			}
		default:
			// Both sides touched the same line.
			if hasLocal == hasRemote && l == r {
				if hasLocal {
					merged = append(merged, l)
				}
				continue
			}
			return "", errors.NewConflictError("both sides modified the same line").
				WithDetail("line", strconv.Itoa(i+1)).
				WithDetail("local", l).
				WithDetail("remote", r)
		}
	}

	return strings.Join(merged, "\n"), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func lineAt(lines []string, i int) (string, bool) {
	if i < len(lines) {
		return lines[i], true
	}
	return "", false
}
