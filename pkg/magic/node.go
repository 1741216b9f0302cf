package magic

import (
	"fmt"
	"io/fs"
	"strings"
)

type NodeKind int

const (
	RegularFile NodeKind = iota
	Directory
	Symlink
	Whiteout
)

func (k NodeKind) String() string {
	switch k {
	case RegularFile:
		return "file"
	case Directory:
		return "dir"
	case Symlink:
		return "symlink"
	case Whiteout:
		return "whiteout"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// kindOf maps a file mode to a node kind, false for anything that cannot be grafted.
func kindOf(fi fs.FileInfo) (NodeKind, bool) {
	switch {
	case isWhiteout(fi):
		return Whiteout, true
	case fi.Mode().IsRegular():
		return RegularFile, true
	case fi.IsDir():
		return Directory, true
	case fi.Mode()&fs.ModeSymlink != 0:
		return Symlink, true
	}
	return 0, false
}

// Children keeps child nodes in insertion order.
type Children struct {
	names []string
	nodes map[string]*Node
}

func (c *Children) Get(name string) (*Node, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

// Add inserts n unless a child of the same name exists, and returns the child in place.
func (c *Children) Add(n *Node) *Node {
	if c.nodes == nil {
		c.nodes = map[string]*Node{}
	}
	if old, ok := c.nodes[n.Name]; ok {
		return old
	}
	c.nodes[n.Name] = n
	c.names = append(c.names, n.Name)
	return n
}

func (c *Children) Remove(name string) (*Node, bool) {
	n, ok := c.nodes[name]
	if !ok {
		return nil, false
	}
	delete(c.nodes, name)
	for i, v := range c.names {
		if v == name {
			c.names = append(c.names[:i], c.names[i+1:]...)
			break
		}
	}
	return n, true
}

// List returns the children in insertion order.
func (c *Children) List() []*Node {
	out := make([]*Node, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.nodes[name])
	}
	return out
}

func (c *Children) Len() int { return len(c.names) }

// Node is one path of the merged module tree.
type Node struct {
	Name     string
	Kind     NodeKind
	Children Children
	// ModulePath is the file backing this node, empty for the synthetic root dirs.
	ModulePath string
	// Replace marks an opaque directory hiding every stock child.
	Replace bool
	// Skip is set while planning for children that cannot be mounted.
	Skip bool
}

// NewDir returns a directory node owned by no module.
func NewDir(name string) *Node {
	return &Node{Name: name, Kind: Directory}
}

// String renders the tree, one node per line.
func (n *Node) String() string {
	var b strings.Builder
	n.dump(&b, 0)
	return b.String()
}

func (n *Node) dump(b *strings.Builder, depth int) {
	name := n.Name
	if name == "" {
		name = "/"
	}
	fmt.Fprintf(b, "%s%s [%s]", strings.Repeat("  ", depth), name, n.Kind)
	if n.Replace {
		b.WriteString(" replace")
	}
	if n.Skip {
		b.WriteString(" skip")
	}
	if n.ModulePath != "" {
		fmt.Fprintf(b, " <- %s", n.ModulePath)
	}
	b.WriteString("\n")
	for _, c := range n.Children.List() {
		c.dump(b, depth+1)
	}
}
