package rangefs

import "strings"

// NormalizePath converts a user-provided path to fs.ValidPath format.
//
//   - Strips leading and trailing slashes: "/data/a.bin/" → "data/a.bin"
//   - Collapses consecutive slashes: "data//a.bin" → "data/a.bin"
//   - Maps the empty string and "/" to the root: "."
//
// "." and ".." elements are preserved; FS methods reject them.
func NormalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "."
	}
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return "."
	}
	return strings.Join(result, "/")
}
