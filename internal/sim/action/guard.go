package action

// depthGuard counts nested processor calls on one world.
type depthGuard struct {
	n   int
	max int
}

type scope struct {
	g *depthGuard
}

// enter acquires one nesting level. The returned scope must be released on
// every path, normally with defer.
func (g *depthGuard) enter() (scope, bool) {
	if g.n >= g.max {
		return scope{}, false
	}
	g.n++
	return scope{g: g}, true
}

func (s scope) release() {
	if s.g != nil {
		s.g.n--
	}
}
