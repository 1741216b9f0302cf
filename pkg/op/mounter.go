package op

import (
	"fmt"
	"strings"
)

// Mounter is the set of mount primitives the magic mount executor needs.
type Mounter interface {
	// Tmpfs mounts a fresh tmpfs with the given source label.
	Tmpfs(source, target string) error
	// Bind bind-mounts source over target, non-recursive.
	Bind(source, target string) error
	// Move atomically moves the mount at source onto target.
	Move(source, target string) error
	MakePrivate(target string) error
	// Detach lazily unmounts target.
	Detach(target string) error
}

// Call is one primitive issued to a Recorder.
type Call struct {
	Op     string
	Source string
	Target string
}

func (c Call) String() string {
	if c.Source == "" {
		return fmt.Sprintf("%s %s", c.Op, c.Target)
	}
	return fmt.Sprintf("%s %s -> %s", c.Op, c.Source, c.Target)
}

// Recorder records the mount primitives instead of issuing them, it backs dry runs.
type Recorder struct {
	Calls []Call
}

func (r *Recorder) add(op, source, target string) error {
	r.Calls = append(r.Calls, Call{Op: op, Source: source, Target: target})
	return nil
}

func (r *Recorder) Tmpfs(source, target string) error { return r.add("tmpfs", source, target) }
func (r *Recorder) Bind(source, target string) error  { return r.add("bind", source, target) }
func (r *Recorder) Move(source, target string) error  { return r.add("move", source, target) }
func (r *Recorder) MakePrivate(target string) error   { return r.add("private", "", target) }
func (r *Recorder) Detach(target string) error        { return r.add("detach", "", target) }

// Filter returns the calls of the given kind.
func (r *Recorder) Filter(op string) []Call {
	var out []Call
	for _, c := range r.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recorder) String() string {
	lines := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		lines = append(lines, c.String())
	}
	return strings.Join(lines, "\n")
}
