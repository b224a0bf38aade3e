package forwarder

import "strings"

// globMatch reports whether name matches pattern (spec.md §4.6, "an ordered
// list of glob patterns"), adapted from the teacher's route-matching glob:
//
//	"*"  matches any single dot-separated segment
//	"**" matches zero or more segments
//
// Tool names are typically flat (e.g. "fs.read_file"), so segments split on
// "." rather than "/".
func globMatch(pattern, name string) bool {
	return globMatchSegments(strings.Split(pattern, "."), strings.Split(name, "."))
}

func globMatchSegments(pat, seg []string) bool {
	for len(pat) > 0 {
		p := pat[0]
		pat = pat[1:]

		if p == "**" {
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(seg); i++ {
				if globMatchSegments(pat, seg[i:]) {
					return true
				}
			}
			return false
		}

		if len(seg) == 0 {
			return false
		}
		if p != "*" && p != seg[0] {
			return false
		}
		seg = seg[1:]
	}
	return len(seg) == 0
}
