package hashchain_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pharmachain/pharmachain/pkg/hashchain"
)

// buildChain returns n consistent links whose hashes are derived from the
// previous hash and the index.
func buildChain(n int) []hashchain.Link {
	links := make([]hashchain.Link, n)
	prev := hashchain.GenesisHash
	for i := range links {
		h := hashchain.Sum([]byte(prev + strconv.Itoa(i)))
		links[i] = hashchain.Link{PrevHash: prev, StoredHash: h, ComputedHash: h}
		prev = h
	}
	return links
}

func TestVerify_Empty(t *testing.T) {
	res := hashchain.Verify(nil, true)
	assert.True(t, res.Valid)
	assert.Equal(t, -1, res.BrokenAt)
	assert.Empty(t, res.Tampered)
	assert.NotNil(t, res.Tampered, "tampered list must serialize as []")
}

func TestVerify_LinearChain(t *testing.T) {
	res := hashchain.Verify(buildChain(5), true)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Tampered)
	for _, st := range res.Links {
		assert.True(t, st.LinkOK)
		assert.True(t, st.HashOK)
		assert.False(t, st.Tampered)
	}
}

func TestVerify_ContentTamperBreaksFromThatPointOn(t *testing.T) {
	links := buildChain(5)
	// Block 2's fields were edited: its recomputed hash no longer matches.
	links[2].ComputedHash = strings.Repeat("f", 64)

	res := hashchain.Verify(links, true)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.BrokenAt)
	assert.Equal(t, []int{2, 3, 4}, res.Tampered)
	assert.False(t, res.Links[2].HashOK)
	assert.True(t, res.Links[3].LinkOK, "block 3 still links to the stored hash")
	assert.True(t, res.Links[3].Tampered)
}

func TestVerify_DeletedBlock(t *testing.T) {
	links := buildChain(5)
	links = append(links[:2], links[3:]...)

	res := hashchain.Verify(links, true)
	assert.False(t, res.Valid)
	assert.Equal(t, []int{2, 3}, res.Tampered)
	assert.False(t, res.Links[2].LinkOK)
}

func TestVerify_ReorderedBlocks(t *testing.T) {
	links := buildChain(4)
	links[1], links[2] = links[2], links[1]

	res := hashchain.Verify(links, true)
	assert.Equal(t, []int{1, 2, 3}, res.Tampered)
}

func TestVerify_GenesisStrictness(t *testing.T) {
	h := hashchain.Sum([]byte("lone"))
	lone := []hashchain.Link{{PrevHash: strings.Repeat("1", 64), StoredHash: h, ComputedHash: h}}

	strict := hashchain.Verify(lone, true)
	assert.False(t, strict.Valid, "strict mode requires the origin sentinel")
	assert.Equal(t, []int{0}, strict.Tampered)

	lax := hashchain.Verify(lone, false)
	assert.True(t, lax.Valid, "lax mode accepts any previous hash on the first block")
}

func TestVerify_UnhashableBlockFails(t *testing.T) {
	links := buildChain(2)
	links[1].StoredHash = ""
	links[1].ComputedHash = ""

	res := hashchain.Verify(links, true)
	assert.False(t, res.Valid)
	assert.Equal(t, []int{1}, res.Tampered)
	assert.False(t, res.Links[1].HashOK)
}
