// Package merkle builds and verifies Merkle trees over the derived plan-log
// view, used by checkpoints to produce a compact, provable commitment to
// the state a node observed at an epoch boundary.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/concordmesh/kernel/pkg/canonicalize"
)

type MerkleLeaf struct {
	Path      string
	LeafBytes []byte
	LeafHash  string
}

type MerkleTree struct {
	Leaves []MerkleLeaf
	Root   string
	Nodes  [][]string // levels of node hashes, leaves first
}

// BuildMerkleTree constructs a Merkle tree from a map of path -> value.
// Paths are sorted lexicographically so two nodes that observe the same
// facts in different arrival orders produce an identical tree.
func BuildMerkleTree(data map[string]interface{}) (*MerkleTree, error) {
	paths := make([]string, 0, len(data))
	for k := range data {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	leaves := make([]MerkleLeaf, len(paths))
	for i, path := range paths {
		canBytes, err := canonicalize.JCS(data[path])
		if err != nil {
			return nil, err
		}

		leafBytes := buildLeafBytes(path, canBytes)
		leaves[i] = MerkleLeaf{
			Path:      path,
			LeafBytes: leafBytes,
			LeafHash:  sha256Hex(leafBytes),
		}
	}

	if len(leaves) == 0 {
		return &MerkleTree{Root: ""}, nil
	}

	tree := &MerkleTree{Leaves: leaves}
	currentLevel := extractHashes(leaves)

	for len(currentLevel) > 1 {
		tree.Nodes = append(tree.Nodes, currentLevel)
		currentLevel = buildNextLevel(currentLevel)
	}

	tree.Root = currentLevel[0]
	tree.Nodes = append(tree.Nodes, currentLevel)

	return tree, nil
}

func buildLeafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("concord:checkpoint:leaf:v1")
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func extractHashes(leaves []MerkleLeaf) []string {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	return hashes
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last to pad odd levels
		count++
	}

	nextLevel := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		nextLevel[i/2] = buildNodeHash(hashes[i], hashes[i+1])
	}
	return nextLevel
}

func buildNodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString("concord:checkpoint:node:v1")
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
