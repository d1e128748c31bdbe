package crawler

import "container/heap"

type item struct {
	url   string
	depth int
	score int
	seq   int
}

// frontier pops the highest score first and, among equal scores, the URL
// discovered first. With no keywords every score is zero and the crawl is
// breadth-first.
type frontier struct {
	items []*item
	seq   int
}

func newFrontier() *frontier { return &frontier{} }

func (f *frontier) Len() int { return len(f.items) }

func (f *frontier) Less(i, j int) bool {
	if f.items[i].score != f.items[j].score {
		return f.items[i].score > f.items[j].score
	}
	return f.items[i].seq < f.items[j].seq
}

func (f *frontier) Swap(i, j int) { f.items[i], f.items[j] = f.items[j], f.items[i] }

func (f *frontier) Push(x any) { f.items = append(f.items, x.(*item)) }

func (f *frontier) Pop() any {
	old := f.items
	n := len(old)
	it := old[n-1]
	f.items = old[:n-1]
	return it
}

func (f *frontier) push(url string, depth, score int) {
	f.seq++
	heap.Push(f, &item{url: url, depth: depth, score: score, seq: f.seq})
}

func (f *frontier) popN(n int) []*item {
	out := make([]*item, 0, n)
	for len(out) < n && f.Len() > 0 {
		out = append(out, heap.Pop(f).(*item))
	}
	return out
}
