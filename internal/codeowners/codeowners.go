// Package codeowners parses CODEOWNERS files and matches changed paths
// against them.
package codeowners

import (
	"bufio"
	"path"
	"strings"
)

// DefaultSection holds entries that appear before any section header.
const DefaultSection = "codeowners"

// File is a parsed CODEOWNERS file.
type File struct {
	Sections []*Section
}

// Section is a named block of entries. Optional sections never block merging.
type Section struct {
	Name          string
	Optional      bool
	DefaultOwners []string
	Entries       []Entry
}

// Entry maps one pattern to its owners.
type Entry struct {
	Pattern string
	Owners  []string
}

// Match is the winning entry of a section for a set of paths.
type Match struct {
	Section  string
	Optional bool
	Pattern  string
	Owners   []string
	Paths    []string
}

// Parse reads CODEOWNERS content. Malformed lines are skipped.
func Parse(content string) *File {
	f := &File{}
	current := &Section{Name: DefaultSection}
	f.Sections = append(f.Sections, current)
	seen := map[string]*Section{strings.ToLower(DefaultSection): current}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if name, optional, owners, ok := parseHeader(line); ok {
			key := strings.ToLower(name)
			if s, exists := seen[key]; exists {
				current = s
				continue
			}
			current = &Section{Name: name, Optional: optional, DefaultOwners: owners}
			seen[key] = current
			f.Sections = append(f.Sections, current)
			continue
		}

		fields := splitFields(line)
		if len(fields) == 0 {
			continue
		}
		entry := Entry{Pattern: fields[0], Owners: fields[1:]}
		if len(entry.Owners) == 0 {
			entry.Owners = current.DefaultOwners
		}
		if len(entry.Owners) == 0 {
			continue
		}
		current.Entries = append(current.Entries, entry)
	}
	return f
}

// parseHeader recognizes "[Name] owners..." and "^[Name] owners...".
func parseHeader(line string) (name string, optional bool, owners []string, ok bool) {
	if strings.HasPrefix(line, "^[") {
		optional = true
		line = line[1:]
	}
	if !strings.HasPrefix(line, "[") {
		return "", false, nil, false
	}
	end := strings.Index(line, "]")
	if end <= 1 {
		return "", false, nil, false
	}
	name = strings.TrimSpace(line[1:end])
	rest := line[end+1:]
	// An approval count like "[Docs][2]" is accepted and ignored.
	if strings.HasPrefix(rest, "[") {
		if i := strings.Index(rest, "]"); i >= 0 {
			rest = rest[i+1:]
		}
	}
	return name, optional, strings.Fields(rest), true
}

// splitFields splits on whitespace, keeping backslash-escaped spaces and
// stripping trailing comments.
func splitFields(line string) []string {
	var fields []string
	var b strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '#':
			if b.Len() > 0 {
				fields = append(fields, b.String())
			}
			return fields
		case r == ' ' || r == '\t':
			if b.Len() > 0 {
				fields = append(fields, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		fields = append(fields, b.String())
	}
	return fields
}

// Match returns, per section, the entries that own at least one of paths.
// Within a section the last matching entry wins for each path.
func (f *File) Match(paths []string) []Match {
	var out []Match
	for _, s := range f.Sections {
		byPattern := map[string]int{}
		for _, p := range paths {
			entry, ok := s.owner(p)
			if !ok {
				continue
			}
			i, exists := byPattern[entry.Pattern]
			if !exists {
				i = len(out)
				byPattern[entry.Pattern] = i
				out = append(out, Match{
					Section:  s.Name,
					Optional: s.Optional,
					Pattern:  entry.Pattern,
					Owners:   entry.Owners,
				})
			}
			out[i].Paths = append(out[i].Paths, p)
		}
	}
	return out
}

func (s *Section) owner(file string) (Entry, bool) {
	for i := len(s.Entries) - 1; i >= 0; i-- {
		if matchPattern(s.Entries[i].Pattern, file) {
			return s.Entries[i], true
		}
	}
	return Entry{}, false
}

// matchPattern applies gitignore-style rules: a leading or inner slash
// anchors the pattern at the repository root, a trailing slash matches a
// directory's contents and "**" spans any number of directories.
func matchPattern(pattern, file string) bool {
	file = strings.TrimPrefix(file, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	p := strings.Trim(pattern, "/")
	if p == "" {
		return false
	}
	anchored := strings.HasPrefix(pattern, "/") || strings.Contains(p, "/")
	if !anchored {
		p = "**/" + p
	}

	pattSegs := strings.Split(p, "/")
	fileSegs := strings.Split(file, "/")
	// A pattern naming a directory owns everything beneath it.
	beneath := matchSegments(append(pattSegs[:len(pattSegs):len(pattSegs)], "**"), fileSegs)
	if dirOnly {
		return beneath
	}
	return beneath || matchSegments(pattSegs, fileSegs)
}

func matchSegments(pattern, file []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return len(file) > 0
			}
			for i := 0; i <= len(file); i++ {
				if matchSegments(rest, file[i:]) {
					return true
				}
			}
			return false
		}
		if len(file) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], file[0])
		if err != nil || !ok {
			return false
		}
		pattern, file = pattern[1:], file[1:]
	}
	return len(file) == 0
}
