package sanctions

// BKTree indexes sanction entries by Levenshtein distance for radius
// queries. It is built once from the high-risk subset and swapped atomically
// by the matcher; a built tree is never mutated concurrently with reads.
type BKTree struct {
	root *bkNode
	size int
}

type bkNode struct {
	entry    Entry
	children map[int]*bkNode
}

// NewBKTree creates an empty tree.
func NewBKTree() *BKTree {
	return &BKTree{}
}

// Insert adds an entry keyed by its normalized name.
func (t *BKTree) Insert(entry Entry) {
	if entry.NormalizedName == "" {
		return
	}
	t.size++
	if t.root == nil {
		t.root = &bkNode{entry: entry, children: make(map[int]*bkNode)}
		return
	}

	node := t.root
	for {
		d := Levenshtein(entry.NormalizedName, node.entry.NormalizedName)
		if d == 0 {
			// Same normalized form; keep the higher-risk entry.
			if entry.RiskScore > node.entry.RiskScore {
				node.entry = entry
			}
			t.size--
			return
		}
		child, ok := node.children[d]
		if !ok {
			node.children[d] = &bkNode{entry: entry, children: make(map[int]*bkNode)}
			return
		}
		node = child
	}
}

// Search returns all entries within maxDist of query, using the triangle
// inequality to prune: only subtrees keyed in [d−maxDist, d+maxDist] can
// contain hits.
func (t *BKTree) Search(query string, maxDist int) []Entry {
	if t.root == nil || maxDist < 0 {
		return nil
	}

	var results []Entry
	stack := []*bkNode{t.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		d := Levenshtein(query, node.entry.NormalizedName)
		if d <= maxDist {
			results = append(results, node.entry)
		}
		for key, child := range node.children {
			if key >= d-maxDist && key <= d+maxDist {
				stack = append(stack, child)
			}
		}
	}
	return results
}

// Size returns the number of distinct entries in the tree.
func (t *BKTree) Size() int {
	return t.size
}
