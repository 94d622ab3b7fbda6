package parspace

import "sort"

// RowEntry is one coefficient of a prolongation row, keyed by the global
// scalar true dof it references.
type RowEntry struct {
	GTDof int64
	Coef  float64
}

// mergeRow sorts entries by column, merges duplicates and drops exact
// zeros, in place. Finalized rows are always kept merged so that two ranks
// computing the same row along different substitution orders end up with
// identical entry lists.
func mergeRow(es []RowEntry) []RowEntry {
	sort.Slice(es, func(i, j int) bool { return es[i].GTDof < es[j].GTDof })
	out := es[:0]
	for _, e := range es {
		if len(out) > 0 && out[len(out)-1].GTDof == e.GTDof {
			out[len(out)-1].Coef += e.Coef
			continue
		}
		out = append(out, e)
	}
	kept := out[:0]
	for _, e := range out {
		if e.Coef != 0 {
			kept = append(kept, e)
		}
	}
	return kept
}

// addScaled appends w*src to dst without merging.
func addScaled(dst, src []RowEntry, w float64) []RowEntry {
	for _, e := range src {
		dst = append(dst, RowEntry{GTDof: e.GTDof, Coef: w * e.Coef})
	}
	return dst
}
