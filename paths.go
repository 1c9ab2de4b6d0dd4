package lwm2m

import (
	"strconv"
	"strings"
)

// Path is a parsed LWM2M resource path /object[/instance[/resource]],
// per spec.md §4.4.
type Path struct {
	ObjectID   int
	InstanceID int // -1 if absent
	ResourceID int // -1 if absent
	Segments   int // 1, 2, or 3
}

// HasInstance reports whether the path names a specific instance.
func (p Path) HasInstance() bool { return p.Segments >= 2 }

// HasResource reports whether the path names a specific resource.
func (p Path) HasResource() bool { return p.Segments >= 3 }

// ParsePath splits a CoAP URI path into 1-3 numeric segments, per spec.md
// §4.4 ("non-numeric segments are rejected with 4.00"). An empty or root
// path ("" or "/") parses as a zero-segment path. RequestHandler has no
// route for it: Bootstrap Delete of "/" is not implemented, and a
// zero-segment request gets 4.04 Not Found.
func ParsePath(raw string) (Path, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return Path{ObjectID: -1, InstanceID: -1, ResourceID: -1, Segments: 0}, nil
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 3 {
		return Path{}, Errorf(KindInvalidArgument, "path %q has more than 3 segments", raw)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Path{}, Errorf(KindInvalidArgument, "path %q: segment %q is not numeric", raw, p)
		}
		nums[i] = n
	}
	out := Path{InstanceID: -1, ResourceID: -1, Segments: len(nums)}
	out.ObjectID = nums[0]
	if len(nums) > 1 {
		out.InstanceID = nums[1]
	}
	if len(nums) > 2 {
		out.ResourceID = nums[2]
	}
	return out, nil
}

// String renders the path back to its /O/I/R form.
func (p Path) String() string {
	var b strings.Builder
	if p.Segments == 0 {
		return "/"
	}
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(p.ObjectID))
	if p.Segments >= 2 {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(p.InstanceID))
	}
	if p.Segments >= 3 {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(p.ResourceID))
	}
	return b.String()
}

// IsPrefixOf reports whether p is the same resource as other, or a prefix of
// it (used to find which observers fire on a write, per spec.md §4.7/§8
// law 5: "every observer of /N, /N/M, or /N/M/R receives exactly one
// notification").
func (p Path) IsPrefixOf(other Path) bool {
	if p.Segments > other.Segments {
		return false
	}
	if p.Segments >= 1 && p.ObjectID != other.ObjectID {
		return false
	}
	if p.Segments >= 2 && p.InstanceID != other.InstanceID {
		return false
	}
	if p.Segments >= 3 && p.ResourceID != other.ResourceID {
		return false
	}
	return true
}

// Prefixes returns every prefix path of p from the shortest (object-level)
// to p itself.
func (p Path) Prefixes() []Path {
	var out []Path
	if p.Segments >= 1 {
		out = append(out, Path{ObjectID: p.ObjectID, InstanceID: -1, ResourceID: -1, Segments: 1})
	}
	if p.Segments >= 2 {
		out = append(out, Path{ObjectID: p.ObjectID, InstanceID: p.InstanceID, ResourceID: -1, Segments: 2})
	}
	if p.Segments >= 3 {
		out = append(out, Path{ObjectID: p.ObjectID, InstanceID: p.InstanceID, ResourceID: p.ResourceID, Segments: 3})
	}
	return out
}
