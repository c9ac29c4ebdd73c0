package hashchain

// Link is one block of a chain as seen by the verifier: the hashes it stores
// and the hash recomputed from its stored fields. An empty ComputedHash means
// the fields could not be hashed at all and always fails the content check.
type Link struct {
	PrevHash     string
	StoredHash   string
	ComputedHash string
}

// LinkStatus is the verdict for a single link.
type LinkStatus struct {
	// LinkOK is false when PrevHash does not point at the predecessor's
	// stored hash (or at GenesisHash for the first block in strict mode).
	LinkOK bool
	// HashOK is false when the stored hash no longer matches the fields.
	HashOK bool
	// Tampered is set on the first failing link and every link after it.
	Tampered bool
}

// Result is the outcome of Verify.
type Result struct {
	Valid    bool
	BrokenAt int // -1 when the chain is intact
	Tampered []int
	Links    []LinkStatus
}

// Verify walks links in append order. Once a link fails, every later link is
// reported tampered: trust cannot be re-established past a break.
//
// When strictGenesis is set the first link must carry GenesisHash as its
// previous hash; otherwise the first link's previous hash is not checked.
func Verify(links []Link, strictGenesis bool) Result {
	res := Result{
		Valid:    true,
		BrokenAt: -1,
		Tampered: []int{},
		Links:    make([]LinkStatus, len(links)),
	}

	for i, l := range links {
		st := LinkStatus{LinkOK: true, HashOK: l.ComputedHash != "" && l.StoredHash == l.ComputedHash}
		switch {
		case i > 0:
			st.LinkOK = l.PrevHash == links[i-1].StoredHash
		case strictGenesis:
			st.LinkOK = l.PrevHash == GenesisHash
		}

		if res.BrokenAt < 0 && (!st.LinkOK || !st.HashOK) {
			res.BrokenAt = i
			res.Valid = false
		}
		if res.BrokenAt >= 0 {
			st.Tampered = true
			res.Tampered = append(res.Tampered, i)
		}
		res.Links[i] = st
	}
	return res
}
