package forwarder

// Filter is the optional tool-name filter (spec.md §4.6). A tool is blocked
// if either the glob list or the scripted predicate says so.
type Filter struct {
	globs  []string
	script *scriptFilter
}

// NewFilter builds a Filter from an ordered glob list and an optional
// script source (empty string disables the script predicate).
func NewFilter(globs []string, script string) (*Filter, error) {
	f := &Filter{globs: globs}
	if script != "" {
		sf, err := newScriptFilter(script)
		if err != nil {
			return nil, err
		}
		f.script = sf
	}
	return f, nil
}

// Blocked reports whether name should be hidden from tools/list and
// rejected from tools/call.
func (f *Filter) Blocked(name string) bool {
	if f == nil {
		return false
	}
	for _, pattern := range f.globs {
		if globMatch(pattern, name) {
			return true
		}
	}
	if f.script != nil && f.script.Blocked(name) {
		return true
	}
	return false
}
