package ir

import "github.com/bytecodealliance/wasmtime-sub016/compiler/set"

// RPO returns blocks reachable from block 0 in reverse postorder.
func (f *Func) RPO() []Block {
	seen := set.MakeBitmap(len(f.Blocks))
	post := make([]Block, 0, len(f.Blocks))

	var walk func(b Block)
	walk = func(b Block) {
		if seen.IsSet(int(b)) {
			return
		}

		seen.Set(int(b))

		for _, s := range f.Succs(b) {
			walk(s)
		}

		post = append(post, b)
	}

	if len(f.Blocks) != 0 {
		walk(0)
	}

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}

	return post
}

// Dominators computes the dominator sets of all reachable blocks
// by iterating intersection over predecessors to a fixed point.
func (f *Func) Dominators() []set.Bitmap {
	dom := make([]set.Bitmap, len(f.Blocks))
	preds := f.Preds()
	rpo := f.RPO()

	all := set.MakeBitmap(len(f.Blocks))
	for _, b := range rpo {
		all.Set(int(b))
	}

	for _, b := range rpo {
		if b == 0 {
			dom[b] = set.MakeBitmap(len(f.Blocks))
			dom[b].Set(0)
			continue
		}

		dom[b] = all.Copy()
	}

	for changed := true; changed; {
		changed = false

		for _, b := range rpo {
			if b == 0 {
				continue
			}

			d := all.Copy()

			for _, p := range preds[b] {
				if dom[p].Len() == 0 && p != 0 {
					continue
				}

				d.And(dom[p])
			}

			d.Set(int(b))

			if !d.Equal(dom[b]) {
				dom[b] = d
				changed = true
			}
		}
	}

	return dom
}

// Dominates reports whether block a dominates block b given precomputed sets.
func Dominates(dom []set.Bitmap, a, b Block) bool {
	return dom[b].IsSet(int(a))
}
