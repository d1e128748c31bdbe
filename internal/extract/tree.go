package extract

import (
	"sort"
	"strings"
)

type treeNode struct {
	name     string
	children map[string]*treeNode
}

// renderTree draws slash-separated paths as an indented tree under root.
func renderTree(root string, paths []string) string {
	top := &treeNode{name: root, children: map[string]*treeNode{}}
	for _, p := range paths {
		n := top
		for _, part := range strings.Split(p, "/") {
			child, ok := n.children[part]
			if !ok {
				child = &treeNode{name: part, children: map[string]*treeNode{}}
				n.children[part] = child
			}
			n = child
		}
	}

	var b strings.Builder
	b.WriteString(root + "\n")
	writeChildren(&b, top, "")
	return b.String()
}

func writeChildren(b *strings.Builder, n *treeNode, prefix string) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		last := i == len(names)-1
		branch, next := "├── ", "│   "
		if last {
			branch, next = "└── ", "    "
		}
		b.WriteString(prefix + branch + name + "\n")
		writeChildren(b, n.children[name], prefix+next)
	}
}
