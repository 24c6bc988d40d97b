package block

import (
	"fmt"
	"strings"
)

// SplitTemplate splits template around its single placeholder occurrence.
//
// Errors:
//   - returns an error if placeholder is empty, missing, or occurs more than once.
func SplitTemplate(template, placeholder string) (prefix, suffix string, err error) {
	if placeholder == "" {
		return "", "", fmt.Errorf("empty placeholder")
	}
	switch n := strings.Count(template, placeholder); n {
	case 1:
	case 0:
		return "", "", fmt.Errorf("template %q does not contain placeholder %q", template, placeholder)
	default:
		return "", "", fmt.Errorf("template %q contains placeholder %q %d times, want exactly once", template, placeholder, n)
	}
	prefix, suffix, _ = strings.Cut(template, placeholder)
	return prefix, suffix, nil
}

// Render produces the replacement markup for b under mode.
//
// Each resource, in list order, becomes one line: the template with its
// placeholder replaced by the remote URL (Remote) or by
// LocalDirectory + "/" + Basename(url) (local modes). Lines are joined with
// "\n" and the result has no trailing newline.
//
// Render is pure: it performs no I/O and never looks at fetch results, so a
// failed fetch leaves the markup unchanged.
//
// Errors:
//   - returns the SplitTemplate error for a malformed template.
func Render(b Block, placeholder string, mode Mode) (string, error) {
	prefix, suffix, err := SplitTemplate(b.Template, placeholder)
	if err != nil {
		return "", fmt.Errorf("block %s: %w", b.Name, err)
	}

	var sb strings.Builder
	for i, u := range b.Resources {
		if i > 0 {
			sb.WriteByte('\n')
		}
		ref := u
		if mode.Mirrors() {
			ref = b.localRef(u)
		}
		sb.WriteString(prefix)
		sb.WriteString(ref)
		sb.WriteString(suffix)
	}
	return sb.String(), nil
}
