// Package vpath implements the path algebra used by the virtual filesystem.
//
// All functions are pure string transformations over '/'-separated paths.
// Nothing here touches the node tree, so relative paths that climb above
// their start keep their leading ".." segments.
package vpath

import "strings"

// Separator is the only path separator.
const Separator = '/'

// IsAbs reports whether p starts at the root.
func IsAbs(p string) bool {
	return len(p) > 0 && p[0] == Separator
}

// Split returns the non-empty segments of p.
func Split(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalizeSegments removes "." and resolves ".." against preceding
// segments. Unmatched ".." segments are kept only when allowAboveRoot is
// set.
func normalizeSegments(parts []string, allowAboveRoot bool) []string {
	out := make([]string, 0, len(parts))
	up := 0
	for i := len(parts) - 1; i >= 0; i-- {
		switch parts[i] {
		case ".":
		case "..":
			up++
		default:
			if up > 0 {
				up--
				continue
			}
			out = append(out, parts[i])
		}
	}
	if allowAboveRoot {
		for ; up > 0; up-- {
			out = append(out, "..")
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Normalize collapses repeated separators and resolves "." and "..". A
// trailing separator is preserved. Absolute paths never climb above "/".
// An empty relative result becomes ".".
func Normalize(p string) string {
	abs := IsAbs(p)
	trailing := len(p) > 0 && p[len(p)-1] == Separator

	joined := strings.Join(normalizeSegments(Split(p), !abs), "/")
	if joined == "" && !abs {
		joined = "."
	}
	if joined != "" && trailing {
		joined += "/"
	}
	if abs {
		return "/" + joined
	}
	return joined
}

// Join joins the parts with separators and normalizes the result.
func Join(parts ...string) string {
	return Normalize(strings.Join(parts, "/"))
}

// Join2 is Join for exactly two parts.
func Join2(a, b string) string {
	return Normalize(a + "/" + b)
}

// trimTrailing removes trailing separators, keeping a lone "/".
func trimTrailing(p string) string {
	for len(p) > 1 && p[len(p)-1] == Separator {
		p = p[:len(p)-1]
	}
	return p
}

// Dir returns all but the last element of p. Trailing separators are
// ignored. Dir("x") is "." and Dir("/x") is "/".
func Dir(p string) string {
	p = trimTrailing(p)
	if p == "/" {
		return "/"
	}
	i := strings.LastIndexByte(p, Separator)
	switch {
	case i < 0:
		return "."
	case i == 0:
		return "/"
	}
	return trimTrailing(p[:i])
}

// Base returns the last element of p. Base("/") is "/".
func Base(p string) string {
	if p == "/" {
		return "/"
	}
	p = Normalize(p)
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndexByte(p, Separator); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Resolve resolves segments right to left until an absolute one is found,
// falling back to cwd. Empty segments are skipped. The result is normalized
// without a trailing separator and is never empty.
func Resolve(cwd string, segments ...string) string {
	resolved := ""
	abs := false
	for i := len(segments) - 1; i >= -1 && !abs; i-- {
		var p string
		if i >= 0 {
			p = segments[i]
		} else {
			p = cwd
		}
		if p == "" {
			continue
		}
		resolved = p + "/" + resolved
		abs = IsAbs(p)
	}

	joined := strings.Join(normalizeSegments(Split(resolved), !abs), "/")
	if abs {
		return "/" + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}

// Relative returns the path from "from" to "to", both resolved against cwd.
// The common prefix is removed, each remaining segment of from becomes "..",
// and the remainder of to is appended. Identical paths yield "".
func Relative(cwd, from, to string) string {
	fromParts := Split(Resolve(cwd, from))
	toParts := Split(Resolve(cwd, to))

	n := min(len(fromParts), len(toParts))
	same := n
	for i := 0; i < n; i++ {
		if fromParts[i] != toParts[i] {
			same = i
			break
		}
	}

	out := make([]string, 0, len(fromParts)-same+len(toParts)-same)
	for i := same; i < len(fromParts); i++ {
		out = append(out, "..")
	}
	out = append(out, toParts[same:]...)
	return strings.Join(out, "/")
}

// IsWithin reports whether target equals base or lies beneath it. Both
// must be absolute.
func IsWithin(base, target string) bool {
	rel := Relative("/", base, target)
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
