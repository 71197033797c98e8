// Package stream models an HTTP response as a sequence of parts
// (head, chunk header, chunk body, trailer) and parses/serializes the
// chunked wire form, keeping header order, case and duplicates intact.
package stream

import "strings"

// Field is one header line.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered header list. Names compare case-insensitively but
// keep their original spelling.
type Fields []Field

func (f Fields) Get(name string) string {
	for _, h := range f {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (f Fields) Has(name string) bool {
	for _, h := range f {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

func (f Fields) Values(name string) []string {
	var out []string
	for _, h := range f {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Add appends a header line.
func (f *Fields) Add(name, value string) {
	*f = append(*f, Field{Name: name, Value: value})
}

// Set replaces every occurrence of name with a single line.
func (f *Fields) Set(name, value string) {
	f.Del(name)
	f.Add(name, value)
}

func (f *Fields) Del(name string) {
	out := (*f)[:0]
	for _, h := range *f {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	*f = out
}

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	copy(out, f)
	return out
}
