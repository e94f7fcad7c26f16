package ir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotNormalizable is returned when a path cannot be brought into
// canonical form (empty path, empty key, negative index, index at root).
var ErrNotNormalizable = errors.New("path is not normalizable")

// Wildcard is the literal path string that denotes an unknown or
// whole-state write.
const Wildcard = "*"

// Segment is one step of a Path: either an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key returns an object-key segment.
func Key(k string) Segment { return Segment{Key: k} }

// Index returns an array-index segment.
func Index(i int) Segment { return Segment{Index: i, IsIndex: true} }

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return escapeKey(s.Key, true)
}

// escapeKey renders a key so that ParsePath reads it back as the same key.
// Separators and backslashes are backslash-escaped, as are edge spaces. A
// numeric key after the root is escaped so it does not read as an index, and
// a leading '#' on the root so it does not read as an id reference.
func escapeKey(k string, root bool) string {
	needs := (!root && isNumeric(k)) || (root && strings.HasPrefix(k, "#"))
	for i := 0; i < len(k) && !needs; i++ {
		switch k[i] {
		case '\\', '.', '[', ']':
			needs = true
		case ' ', '\t':
			needs = i == 0 || i == len(k)-1
		}
	}
	if !needs {
		return k
	}
	var b strings.Builder
	for i := 0; i < len(k); i++ {
		c := k[i]
		switch {
		case c == '\\' || c == '.' || c == '[' || c == ']':
			b.WriteByte('\\')
		case (c == ' ' || c == '\t') && (i == 0 || i == len(k)-1):
			b.WriteByte('\\')
		case i == 0 && !root && isNumeric(k):
			b.WriteByte('\\')
		case i == 0 && root && c == '#':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isNumeric(k string) bool {
	_, err := strconv.Atoi(k)
	return err == nil
}

// Path is an ordered sequence of segments identifying a location in a
// state tree. The canonical string form is "user.addresses[0].city"; keys
// containing separators are escaped (`a\.b` is the single key "a.b"), so
// distinct paths never share a string form.
type Path []Segment

// String renders the canonical form of the path.
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if !s.IsIndex && i > 0 {
			b.WriteByte('.')
		}
		if s.IsIndex {
			b.WriteString(s.String())
		} else {
			b.WriteString(escapeKey(s.Key, i == 0))
		}
	}
	return b.String()
}

// Root returns the top-level key of the path. The second result is false
// for an empty path.
func (p Path) Root() (string, bool) {
	if len(p) == 0 || p[0].IsIndex {
		return "", false
	}
	return p[0].Key, true
}

// Validate checks that the path is in canonical form.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrNotNormalizable)
	}
	if p[0].IsIndex {
		return fmt.Errorf("%w: path must start with a key, got %s", ErrNotNormalizable, p[0])
	}
	for i, s := range p {
		if s.IsIndex && s.Index < 0 {
			return fmt.Errorf("%w: negative index at segment %d", ErrNotNormalizable, i)
		}
		if !s.IsIndex && (s.Key == "" || s.Key == Wildcard) {
			return fmt.Errorf("%w: invalid key %q at segment %d", ErrNotNormalizable, s.Key, i)
		}
	}
	return nil
}

// Clone returns a copy of the path that does not share storage.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// HasPrefix reports whether q is a prefix of p.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// ParsePath parses the canonical string form. Both "items[2].name" and the
// dotted "items.2.name" spelling are accepted; purely numeric dotted segments
// after the root become indexes. A backslash makes the next character part
// of the key.
func ParsePath(s string) (Path, error) {
	s = trimPath(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotNormalizable)
	}
	if s == Wildcard {
		return nil, fmt.Errorf("%w: wildcard is not a field path", ErrNotNormalizable)
	}

	var p Path
	for i := 0; ; {
		key, escaped, n, err := scanKey(s[i:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v in %q", ErrNotNormalizable, err, s)
		}
		i += n
		switch {
		case escaped:
			p = append(p, Key(key))
		case key != "":
			if idx, err := strconv.Atoi(key); err == nil && len(p) > 0 {
				p = append(p, Index(idx))
			} else {
				p = append(p, Key(key))
			}
		case len(p) == 0 || i == len(s) || s[i] != '[':
			return nil, fmt.Errorf("%w: empty segment in %q", ErrNotNormalizable, s)
		}

		for i < len(s) && s[i] == '[' {
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated index in %q", ErrNotNormalizable, s)
			}
			raw := strings.TrimSpace(s[i+1 : i+end])
			idx, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad index %q in %q", ErrNotNormalizable, raw, s)
			}
			p = append(p, Index(idx))
			i += end + 1
		}

		if i == len(s) {
			break
		}
		if s[i] != '.' {
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrNotNormalizable, s[i], s)
		}
		i++
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// trimPath trims surrounding whitespace, keeping an escaped trailing space.
func trimPath(s string) string {
	s = strings.TrimLeft(s, " \t\n")
	for len(s) > 0 {
		c := s[len(s)-1]
		if c != ' ' && c != '\t' && c != '\n' {
			break
		}
		slashes := 0
		for j := len(s) - 2; j >= 0 && s[j] == '\\'; j-- {
			slashes++
		}
		if slashes%2 == 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// scanKey reads one key up to an unescaped '.' or '[' and returns the
// unescaped key, whether any character was escaped, and the bytes consumed.
// Unescaped surrounding spaces are trimmed.
func scanKey(s string) (key string, escaped bool, n int, err error) {
	var b strings.Builder
	keep := 0 // length of b up to the last escaped or non-space byte
	for n < len(s) {
		c := s[n]
		switch c {
		case '.', '[':
			return b.String()[:keep], escaped, n, nil
		case ']':
			return "", false, n, errors.New("unexpected ']'")
		case '\\':
			if n+1 == len(s) {
				return "", false, n, errors.New("dangling escape")
			}
			b.WriteByte(s[n+1])
			keep = b.Len()
			escaped = true
			n += 2
			continue
		case ' ', '\t':
			if b.Len() > 0 {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
			keep = b.Len()
		}
		n++
	}
	return b.String()[:keep], escaped, n, nil
}

// MustParsePath is like ParsePath but panics on error.
// Use only in tests or for literal paths known to be valid.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// GetPath reads the value at p. The second result is false when any
// segment is missing or has the wrong container type.
func GetPath(root IRValue, p Path) (IRValue, bool) {
	cur := root
	for _, s := range p {
		switch c := cur.(type) {
		case IRObject:
			if s.IsIndex {
				return nil, false
			}
			v, ok := c[s.Key]
			if !ok {
				return nil, false
			}
			cur = v
		case IRArray:
			if !s.IsIndex || s.Index >= len(c) {
				return nil, false
			}
			cur = c[s.Index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath returns a new root with v stored at p. Containers along the path
// are copied; everything else is shared with the old root. Missing
// intermediate objects are created. Writing past the end of an array
// appends only when the index equals the array length.
func SetPath(root IRObject, p Path, v IRValue) (IRObject, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out, err := setIn(root, p, v)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", p, err)
	}
	return out.(IRObject), nil
}

func setIn(cur IRValue, p Path, v IRValue) (IRValue, error) {
	if len(p) == 0 {
		return v, nil
	}
	s := p[0]

	if s.IsIndex {
		arr, ok := cur.(IRArray)
		if !ok {
			return nil, fmt.Errorf("segment %s: not an array", s)
		}
		if s.Index > len(arr) {
			return nil, fmt.Errorf("segment %s: index out of range (len %d)", s, len(arr))
		}
		var child IRValue
		if s.Index < len(arr) {
			child = arr[s.Index]
		}
		next, err := setIn(child, p[1:], v)
		if err != nil {
			return nil, err
		}
		out := make(IRArray, len(arr), max(len(arr), s.Index+1))
		copy(out, arr)
		if s.Index == len(arr) {
			out = append(out, next)
		} else {
			out[s.Index] = next
		}
		return out, nil
	}

	var obj IRObject
	switch c := cur.(type) {
	case IRObject:
		obj = c
	case nil, IRNull:
		obj = IRObject{}
	default:
		return nil, fmt.Errorf("segment %s: not an object", s)
	}
	next, err := setIn(obj[s.Key], p[1:], v)
	if err != nil {
		return nil, err
	}
	out := make(IRObject, len(obj)+1)
	for k, val := range obj {
		out[k] = val
	}
	out[s.Key] = next
	return out, nil
}
