package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newGraph(vertices []string, edges [][2]string) *Graph {
	g := New()
	for _, v := range vertices {
		g.AddVertex(v)
	}
	for _, e := range edges {
		g.AddEdge(e[0], e[1])
	}
	return g
}

func TestVerify_Empty(t *testing.T) {
	require.Equal(t, Empty, New().Verify())
}

func TestVerify_OK_LinearChain(t *testing.T) {
	// C depends on B depends on A: edges A->B, B->C. Root is C (nothing depends on it).
	g := newGraph([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	require.Equal(t, OK, g.Verify())
}

func TestVerify_CircularDep(t *testing.T) {
	g := newGraph([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	require.Equal(t, CircularDep, g.Verify())
}

func TestVerify_MultiRoot(t *testing.T) {
	// a->c, b->c would give single root c; make two separate zero-out-degree
	// vertices instead.
	g := newGraph([]string{"a", "b"}, nil)
	require.Equal(t, MultiRoot, g.Verify())
}

func TestVerify_EdgelessVertexIsExtraRoot(t *testing.T) {
	// "isolated" has no outgoing edges, so it is a second root beside c and
	// the multi-root check fires before reachability is examined.
	g := newGraph([]string{"a", "b", "c", "isolated"}, [][2]string{{"a", "b"}, {"b", "c"}})
	require.Equal(t, MultiRoot, g.Verify())
}

func TestHasCycle_SelfLoopViaThreeHops(t *testing.T) {
	g := newGraph([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	require.True(t, g.HasCycle())
}

func TestHasCycle_DiamondIsAcyclic(t *testing.T) {
	// a->c, b->c, c->d
	g := newGraph([]string{"a", "b", "c", "d"}, [][2]string{{"a", "c"}, {"b", "c"}, {"c", "d"}})
	require.False(t, g.HasCycle())
	require.Equal(t, OK, g.Verify())
	require.Equal(t, []string{"d"}, g.Roots())
	require.ElementsMatch(t, []string{"a", "b"}, g.Leaves())
}

func TestHasCycle_DeepChainNoStackOverflow(t *testing.T) {
	const n = 50000
	g := New()
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = intToVertex(i)
		g.AddVertex(names[i])
	}
	for i := 0; i < n-1; i++ {
		g.AddEdge(names[i], names[i+1])
	}
	require.False(t, g.HasCycle())
}

func TestRemoveVertex_PrunesEdges(t *testing.T) {
	g := newGraph([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	require.True(t, g.RemoveVertex("b"))
	require.Equal(t, 0, g.OutDegree("a"))
	require.Equal(t, 0, g.InDegree("c"))
	require.False(t, g.HasVertex("b"))
}

func TestAddEdge_RejectsUnknownVertices(t *testing.T) {
	g := New()
	g.AddVertex("a")
	require.False(t, g.AddEdge("a", "ghost"))
	require.False(t, g.AddEdge("ghost", "a"))
}

func intToVertex(i int) string {
	buf := make([]byte, 0, 8)
	if i == 0 {
		return "v0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append(digits, byte('0'+i%10))
		i /= 10
	}
	buf = append(buf, 'v')
	for j := len(digits) - 1; j >= 0; j-- {
		buf = append(buf, digits[j])
	}
	return string(buf)
}
