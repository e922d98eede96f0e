package plan

import "strings"

// ListSegment marks a fan-out over all elements of a list in a Path.
const ListSegment = "@"

// Path addresses a location in the response tree. A segment is either a field
// name or ListSegment.
type Path []string

func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// WithoutListSegments returns the path with all list markers removed. This is
// the form used when rewriting subgraph error paths into the global coordinate
// space, where concrete indices are unknown.
func (p Path) WithoutListSegments() Path {
	out := make(Path, 0, len(p))
	for _, segment := range p {
		if segment == ListSegment {
			continue
		}
		out = append(out, segment)
	}
	return out
}

func (p Path) Equals(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
