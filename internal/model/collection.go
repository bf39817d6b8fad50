package model

import (
	"sort"
	"strings"
)

// MonitorObjectCollection is an arena of monitor objects indexed by path.
// The index points at the current head for each path; older heads that could
// not be merged stay in the arena and are published as separate versions.
type MonitorObjectCollection struct {
	Prefix  string
	objects []*MonitorObject
	index   map[string]int
}

func NewCollection(prefix string) *MonitorObjectCollection {
	return &MonitorObjectCollection{
		Prefix: prefix,
		index:  make(map[string]int),
	}
}

func (c *MonitorObjectCollection) Len() int {
	return len(c.objects)
}

// Objects returns the arena in insertion order.
func (c *MonitorObjectCollection) Objects() []*MonitorObject {
	out := make([]*MonitorObject, len(c.objects))
	copy(out, c.objects)
	return out
}

// Paths returns the distinct paths, sorted.
func (c *MonitorObjectCollection) Paths() []string {
	paths := make([]string, 0, len(c.index))
	for p := range c.index {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (c *MonitorObjectCollection) Get(path string) (*MonitorObject, bool) {
	i, ok := c.index[path]
	if !ok {
		return nil, false
	}
	return c.objects[i], true
}

func (c *MonitorObjectCollection) checkPrefix(mo *MonitorObject) error {
	if c.Prefix == "" || mo.Path == c.Prefix || strings.HasPrefix(mo.Path, c.Prefix+"/") {
		return nil
	}
	return &ValidationError{Path: mo.Path, Field: "path", Reason: "outside collection prefix " + c.Prefix}
}

// Add merges mo into the object at the same path, or inserts it.
func (c *MonitorObjectCollection) Add(mo *MonitorObject) error {
	if err := c.checkPrefix(mo); err != nil {
		return err
	}
	i, ok := c.index[mo.Path]
	if !ok {
		c.index[mo.Path] = len(c.objects)
		c.objects = append(c.objects, mo)
		return nil
	}

	merged, err := c.objects[i].MergeWith(mo)
	if err != nil {
		return err
	}
	c.objects[i] = merged
	return nil
}

// AddOrKeep is Add, except that an incompatible object is appended as a new
// head instead of being rejected. It reports whether a merge conflict occurred.
func (c *MonitorObjectCollection) AddOrKeep(mo *MonitorObject) (conflict bool, err error) {
	err = c.Add(mo)
	if err == nil || !IsIncompatibleMerge(err) {
		return false, err
	}
	c.index[mo.Path] = len(c.objects)
	c.objects = append(c.objects, mo)
	return true, nil
}

// Merge combines two collections object by object. The result is sorted by
// path and neither operand is modified.
func (c *MonitorObjectCollection) Merge(other *MonitorObjectCollection) (*MonitorObjectCollection, error) {
	prefix := c.Prefix
	if prefix != other.Prefix {
		prefix = commonPrefix(c.Prefix, other.Prefix)
	}

	paths := make(map[string]struct{}, len(c.index)+len(other.index))
	for p := range c.index {
		paths[p] = struct{}{}
	}
	for p := range other.index {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	out := NewCollection(prefix)
	for _, p := range sorted {
		left, lok := c.Get(p)
		right, rok := other.Get(p)

		var mo *MonitorObject
		switch {
		case lok && rok:
			merged, err := left.MergeWith(right)
			if err != nil {
				return nil, err
			}
			mo = merged
		case lok:
			mo = left
		default:
			mo = right
		}
		out.index[p] = len(out.objects)
		out.objects = append(out.objects, mo)
	}
	return out, nil
}

func commonPrefix(a, b string) string {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	var out []string
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			break
		}
		out = append(out, as[i])
	}
	return strings.Join(out, "/")
}
