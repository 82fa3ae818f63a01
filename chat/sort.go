package chat

import (
	"sort"
)

// Sort orders a chat history by causal links.
//
// Messages are indexed by id and linked to the message named by their
// previous id. Cycles are cut deterministically, walking from messages in
// ascending uid order. Each chain head is flattened into a linear chain,
// branches being merged by (sequence, timestamp, uid). The chains and the
// unlinked remainder are then merged pairwise into a single order. The
// result does not depend on the order of the input.
func Sort(messages []*Message) []*Message {
	if len(messages) < 2 {
		return append([]*Message(nil), messages...)
	}

	byUID := append([]*Message(nil), messages...)
	sort.Slice(byUID, func(i, j int) bool { return byUID[i].uid < byUID[j].uid })

	index := make(map[string]*Message, len(byUID))
	for _, m := range byUID {
		if _, ok := index[string(m.id)]; !ok {
			index[string(m.id)] = m
		}
	}

	prev := make(map[*Message]*Message)
	next := make(map[*Message][]*Message)
	for _, m := range byUID {
		if len(m.previousID) == 0 {
			continue
		}
		p, ok := index[string(m.previousID)]
		if !ok || p == m {
			continue
		}
		prev[m] = p
		next[p] = append(next[p], m)
	}

	breakCycles(byUID, prev, next)

	var heads []*Message
	for _, m := range byUID {
		if _, linked := prev[m]; !linked && len(next[m]) > 0 {
			heads = append(heads, m)
		}
	}

	placed := make(map[*Message]bool, len(byUID))
	var result []*Message
	for _, head := range heads {
		chain := flatten(head, next, placed)
		result = merge(result, chain)
	}

	var remainder []*Message
	for _, m := range byUID {
		if !placed[m] {
			remainder = append(remainder, m)
		}
	}
	sort.SliceStable(remainder, func(i, j int) bool { return messageLess(remainder[i], remainder[j]) })

	return merge(result, remainder)
}

// breakCycles walks predecessor links from every linked message and cuts
// the link that closes a loop.
func breakCycles(byUID []*Message, prev map[*Message]*Message, next map[*Message][]*Message) {
	done := make(map[*Message]bool, len(byUID))
	for _, start := range byUID {
		if done[start] {
			continue
		}
		if _, linked := prev[start]; !linked {
			continue
		}

		path := map[*Message]bool{start: true}
		cur := start
		for {
			p, ok := prev[cur]
			if !ok || done[p] {
				break
			}
			if path[p] {
				delete(prev, cur)
				next[p] = without(next[p], cur)
				break
			}
			path[p] = true
			cur = p
		}
		for m := range path {
			done[m] = true
		}
	}
}

func flatten(head *Message, next map[*Message][]*Message, placed map[*Message]bool) []*Message {
	var chain []*Message
	for cur := head; cur != nil && !placed[cur]; {
		placed[cur] = true
		chain = append(chain, cur)

		children := next[cur]
		switch len(children) {
		case 0:
			cur = nil
		case 1:
			cur = children[0]
		default:
			var branches []*Message
			for _, child := range children {
				branches = merge(branches, flatten(child, next, placed))
			}
			chain = append(chain, branches...)
			cur = nil
		}
	}
	return chain
}

// merge is a stable two-way merge; on ties elements of a come first.
func merge(a, b []*Message) []*Message {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]*Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if messageLess(b[j], a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func without(list []*Message, m *Message) []*Message {
	out := list[:0:0]
	for _, x := range list {
		if x != m {
			out = append(out, x)
		}
	}
	return out
}
