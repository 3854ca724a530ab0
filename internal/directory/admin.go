package directory

import (
	"strconv"
	"strings"
)

// AdminCommandFunc is invoked for every parsed admin command. It returns an
// optional status string to report back to the admin dircl.
type AdminCommandFunc func(dc *DirectoryClient, cmd map[string]any) (status string, err error)

// ParseAdminCommand decodes a packed `key=value:key=value:...` string into
// a nested table: dotted keys (`runner.restart`) produce nested maps, and
// "true"/"false"/integer-looking values are coerced, mirroring the
// scripting VM's own loose table literal conventions.
func ParseAdminCommand(raw string) map[string]any {
	root := make(map[string]any)
	for _, seg := range strings.Split(raw, ":") {
		if seg == "" {
			continue
		}
		i := strings.IndexByte(seg, '=')
		var key, val string
		if i < 0 {
			key, val = seg, "true"
		} else {
			key, val = seg[:i], seg[i+1:]
		}
		setNested(root, strings.Split(key, "."), coerce(val))
	}
	return root
}

func setNested(m map[string]any, path []string, val any) {
	if len(path) == 1 {
		m[path[0]] = val
		return
	}
	next, ok := m[path[0]].(map[string]any)
	if !ok {
		next = make(map[string]any)
		m[path[0]] = next
	}
	setNested(next, path[1:], val)
}

func coerce(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
