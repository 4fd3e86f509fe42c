package smbdfs

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/cases"
)

// foldKey returns the case-folded form of s used for every
// case-insensitive comparison of names and paths.
func foldKey(s string) string {
	return cases.Fold().String(s)
}

// equalFold compares two names the way the server does.
func equalFold(a, b string) bool {
	return foldKey(a) == foldKey(b)
}

// toBackslash converts forward slashes to backslashes.
func toBackslash(p string) string {
	return strings.ReplaceAll(p, "/", `\`)
}

// joinSMBPath joins share-relative components with backslashes, dropping
// empty components and stray separators.
func joinSMBPath(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(toBackslash(e), `\`)
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}

// splitUNC splits `\\host\share\rest` (or the single-backslash form used in
// referrals) into its host, share and share-relative remainder.
func splitUNC(p string) (host, share, rest string, err error) {
	p = strings.TrimLeft(toBackslash(p), `\`)
	parts := strings.SplitN(p, `\`, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: %q is not a UNC path", ErrInvalidPath, p)
	}
	if len(parts) == 3 {
		rest = strings.Trim(parts[2], `\`)
	}
	return parts[0], parts[1], rest, nil
}

// dfsPath composes the single-backslash full path used in referral requests
// and cache keys: \host\share\rest.
func dfsPath(host, share, rest string) string {
	p := `\` + host + `\` + share
	if rest = strings.Trim(rest, `\`); rest != "" {
		p += `\` + rest
	}
	return p
}

// trimPathPrefix reports whether prefix covers p on a component boundary,
// comparing case-insensitively, and returns the remainder joined with sep.
func trimPathPrefix(p, prefix string, sep byte) (string, bool) {
	pc, xc := components(p, sep), components(prefix, sep)
	if len(xc) > len(pc) {
		return "", false
	}
	for i := range xc {
		if !equalFold(pc[i], xc[i]) {
			return "", false
		}
	}
	return strings.Join(pc[len(xc):], string(sep)), true
}

// components splits p on sep, dropping empty elements.
func components(p string, sep byte) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == rune(sep) })
}

// validatePath validates that a path is safe and doesn't contain
// invalid characters or attempt path traversal outside the share.
func validatePath(p string) error {
	if p == "" {
		return ErrInvalidPath
	}

	if strings.Contains(p, "\x00") {
		return ErrInvalidPath
	}

	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, "/..") {
		return ErrInvalidPath
	}

	return nil
}

// toSMBPath converts a local slash path to share-relative SMB form:
// backslashes and no leading separator.
func toSMBPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return toBackslash(strings.TrimPrefix(p, "/"))
}

// fromSMBPath converts an SMB path to a normalized slash path.
func fromSMBPath(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

const forbiddenMountChars = `"*:<>?|`

// validateMountPoint checks a local mount point: it must start with a
// separator and must not contain characters the server would reject.
func validateMountPoint(p string) error {
	if p == "" || (p[0] != '/' && p[0] != '\\') {
		return fmt.Errorf("%w: mount point %q must start with a separator", ErrInvalidPath, p)
	}
	for _, r := range p {
		if r < 0x20 || strings.ContainsRune(forbiddenMountChars, r) {
			return fmt.Errorf("%w: mount point %q contains %q", ErrInvalidPath, p, r)
		}
	}
	return validatePath(p)
}

// validateRemote checks the remote form \\server\share: exactly three
// separators (either slash accepted) and non-empty components.
func validateRemote(p string) (host, share string, err error) {
	bs := toBackslash(p)
	if strings.Count(bs, `\`) != 3 || !strings.HasPrefix(bs, `\\`) {
		return "", "", fmt.Errorf("%w: remote %q must be \\\\server\\share", ErrInvalidPath, p)
	}
	parts := strings.Split(bs[2:], `\`)
	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: remote %q must be \\\\server\\share", ErrInvalidPath, p)
	}
	for _, r := range parts[1] {
		if r < 0x20 || strings.ContainsRune(forbiddenMountChars, r) {
			return "", "", fmt.Errorf("%w: share name %q contains %q", ErrInvalidPath, parts[1], r)
		}
	}
	return parts[0], parts[1], nil
}

// matchPattern matches name against a search pattern with * and ?
// wildcards, ignoring case.
func matchPattern(pattern, name string) bool {
	ok, err := path.Match(foldKey(pattern), foldKey(name))
	return err == nil && ok
}
