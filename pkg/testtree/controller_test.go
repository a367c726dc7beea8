package testtree

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/ercxoor/pkg/catalog"
	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	tests []ercx.PropertyTest
	err   error
}

func (f *staticFetcher) FetchPropertyTests(
	_ context.Context, _ ercx.Standard,
) ([]ercx.PropertyTest, error) {
	return f.tests, f.err
}

type fakeCompiler struct {
	calls atomic.Int32
	delay time.Duration
	tree  *solidity.Node
	err   error
}

func (c *fakeCompiler) Compile(_ context.Context, _ string, _ []byte) (*solidity.Node, error) {
	c.calls.Add(1)

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	return c.tree, c.err
}

const source = "contract Token { function transfer() {} function mint() {} }"

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func transferTree() *solidity.Node {
	return &solidity.Node{
		Kind: "SourceUnit",
		Span: &solidity.Span{Offset: 0, Length: len(source)},
		Children: []*solidity.Node{{
			Kind: "ContractDefinition",
			Name: "Token",
			Span: &solidity.Span{Offset: 0, Length: len(source)},
			Children: []*solidity.Node{
				{Kind: "FunctionDefinition", Name: "transfer", Span: &solidity.Span{Offset: 10, Length: 10}},
			},
		}},
	}
}

func newTestController(
	t *testing.T, tests []ercx.PropertyTest, compiler *fakeCompiler,
) Controller {
	t.Helper()

	log := testLogger()

	return NewController(log, catalog.New(log, &staticFetcher{tests: tests}), compiler)
}

func testDoc() Document {
	return Document{Path: "/work/contracts/Token.sol", Text: []byte(source)}
}

func TestBuildTree_LeafRangeFromConcernedFunction(t *testing.T) {
	tests := []ercx.PropertyTest{{
		Name:               "testFoo",
		Level:              "standard",
		ConcernedFunctions: []string{"transfer"},
	}}

	ctrl := newTestController(t, tests, &fakeCompiler{tree: transferTree()})
	selection := solidity.ByteRangeToRange([]byte(source), 0, 8)

	root, err := ctrl.BuildTree(context.Background(), testDoc(), selection, "Token", ercx.StandardERC20)
	require.NoError(t, err)

	assert.Equal(t, "/work/contracts/Token.sol#ERC20", root.ID)
	assert.Equal(t, "Token.sol (ERC20)", root.Label)
	assert.Nil(t, root.Parent())

	level, ok := root.Child("standard")
	require.True(t, ok)
	assert.Equal(t, "Standard", level.Label)
	assert.Same(t, root, level.Parent())

	leaf, ok := level.Child("testFoo")
	require.True(t, ok)
	assert.Equal(t, "testFoo", leaf.Label)
	assert.Equal(t, 10, leaf.Range.StartByte)
	assert.Equal(t, 20, leaf.Range.EndByte)

	md, ok := ctrl.Metadata(root)
	require.True(t, ok)
	assert.Equal(t, Metadata{ContractName: "Token", Tier: TierRoot, Standard: ercx.StandardERC20}, md)

	md, ok = ctrl.Metadata(level)
	require.True(t, ok)
	assert.Equal(t, TierLevel, md.Tier)

	md, ok = ctrl.Metadata(leaf)
	require.True(t, ok)
	assert.Equal(t, TierIndividual, md.Tier)
}

func TestBuildTree_FallsBackToSourceRange(t *testing.T) {
	tests := []ercx.PropertyTest{
		{Name: "testUnknownSymbol", Level: "security", ConcernedFunctions: []string{"burn"}},
		{Name: "testNoFunction", Level: "security"},
	}

	ctrl := newTestController(t, tests, &fakeCompiler{tree: transferTree()})
	selection := solidity.ByteRangeToRange([]byte(source), 0, 8)

	root, err := ctrl.BuildTree(context.Background(), testDoc(), selection, "Token", ercx.StandardERC20)
	require.NoError(t, err)

	level, ok := root.Child("security")
	require.True(t, ok)
	require.Len(t, level.Children(), 2)

	for _, leaf := range level.Children() {
		assert.Equal(t, selection, leaf.Range, leaf.ID)
	}
}

func TestBuildTree_Idempotent(t *testing.T) {
	tests := []ercx.PropertyTest{
		{Name: "testFoo", Level: "standard"},
		{Name: "testBar", Level: "standard"},
		{Name: "testBaz", Level: "abi"},
	}

	compiler := &fakeCompiler{tree: transferTree()}
	ctrl := newTestController(t, tests, compiler)

	first, err := ctrl.BuildTree(context.Background(), testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
	require.NoError(t, err)

	second, err := ctrl.BuildTree(context.Background(), testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), compiler.calls.Load())
	assert.Len(t, ctrl.Roots(), 1)

	require.Len(t, first.Children(), 2)
	assert.Len(t, first.Children()[0].Children(), 2)
	assert.Len(t, first.Children()[1].Children(), 1)
}

func TestBuildTree_ExcludedTestsNeverBecomeNodes(t *testing.T) {
	tests := []ercx.PropertyTest{
		{Name: "testAbiFoundInEtherscan", Level: "abi"},
		{Name: "testAddressIsImplementationContract", Level: "status"},
		{Name: "testFoo", Level: "abi"},
	}

	ctrl := newTestController(t, tests, &fakeCompiler{tree: transferTree()})

	root, err := ctrl.BuildTree(context.Background(), testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
	require.NoError(t, err)

	var ids []string

	Walk(root, func(n *Node) {
		ids = append(ids, n.ID)
	})

	assert.NotContains(t, ids, "testAbiFoundInEtherscan")
	assert.NotContains(t, ids, "testAddressIsImplementationContract")
	assert.NotContains(t, ids, "status")
	assert.Contains(t, ids, "testFoo")
}

func TestBuildTree_FailuresRegisterNothing(t *testing.T) {
	t.Run("catalog error", func(t *testing.T) {
		log := testLogger()
		ctrl := NewController(
			log,
			catalog.New(log, &staticFetcher{err: errors.New("503 service unavailable")}),
			&fakeCompiler{tree: transferTree()},
		)

		root, err := ctrl.BuildTree(context.Background(), testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
		require.Error(t, err)
		assert.Nil(t, root)
		assert.Empty(t, ctrl.Roots())
	})

	t.Run("compile error", func(t *testing.T) {
		compileErr := &solidity.CompileError{Name: "Token.sol", Messages: []string{"ParserError"}}
		ctrl := newTestController(t,
			[]ercx.PropertyTest{{Name: "testFoo", Level: "abi"}},
			&fakeCompiler{err: compileErr},
		)

		root, err := ctrl.BuildTree(context.Background(), testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
		require.Error(t, err)
		assert.Nil(t, root)
		assert.ErrorAs(t, err, &compileErr)
		assert.Empty(t, ctrl.Roots())
	})
}

func TestBuildTree_ConcurrentFirstBuildsShareRoot(t *testing.T) {
	compiler := &fakeCompiler{tree: transferTree(), delay: 50 * time.Millisecond}
	ctrl := newTestController(t, []ercx.PropertyTest{{Name: "testFoo", Level: "abi"}}, compiler)

	const workers = 8

	roots := make([]*Node, workers)

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			root, err := ctrl.BuildTree(context.Background(), testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
			assert.NoError(t, err)

			roots[i] = root
		}(i)
	}

	wg.Wait()

	for _, r := range roots[1:] {
		assert.Same(t, roots[0], r)
	}

	assert.Equal(t, int32(1), compiler.calls.Load())
}

func TestController_RootsAndForget(t *testing.T) {
	ctrl := newTestController(t,
		[]ercx.PropertyTest{{Name: "testFoo", Level: "abi"}},
		&fakeCompiler{tree: transferTree()},
	)
	ctx := context.Background()

	other := Document{Path: "/work/contracts/Another.sol", Text: []byte(source)}

	tokenRoot, err := ctrl.BuildTree(ctx, testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
	require.NoError(t, err)

	_, err = ctrl.BuildTree(ctx, testDoc(), solidity.Range{}, "Token", ercx.StandardERC721)
	require.NoError(t, err)

	_, err = ctrl.BuildTree(ctx, other, solidity.Range{}, "Another", ercx.StandardERC20)
	require.NoError(t, err)

	roots := ctrl.Roots()
	require.Len(t, roots, 3)
	assert.Equal(t, "/work/contracts/Another.sol#ERC20", roots[0].ID)
	assert.Equal(t, "/work/contracts/Token.sol#ERC20", roots[1].ID)
	assert.Equal(t, "/work/contracts/Token.sol#ERC721", roots[2].ID)

	assert.Equal(t, 2, ctrl.Forget(testDoc().Path))
	assert.Len(t, ctrl.Roots(), 1)

	_, ok := ctrl.Metadata(tokenRoot)
	assert.False(t, ok)

	_, ok = ctrl.Root(RootID(other.Path, ercx.StandardERC20))
	assert.True(t, ok)

	rebuilt, err := ctrl.BuildTree(ctx, testDoc(), solidity.Range{}, "Token", ercx.StandardERC20)
	require.NoError(t, err)
	assert.NotSame(t, tokenRoot, rebuilt)
}

func TestController_ForgetDir(t *testing.T) {
	ctrl := newTestController(t,
		[]ercx.PropertyTest{{Name: "testFoo", Level: "abi"}},
		&fakeCompiler{tree: transferTree()},
	)
	ctx := context.Background()

	docs := []Document{
		{Path: "/work/contracts/Token.sol", Text: []byte(source)},
		{Path: "/work/contracts/tokens/Vault.sol", Text: []byte(source)},
		{Path: "/work/contracts-old/Token.sol", Text: []byte(source)},
		{Path: "/work/Root.sol", Text: []byte(source)},
	}

	for _, doc := range docs {
		_, err := ctrl.BuildTree(ctx, doc, solidity.Range{}, "Token", ercx.StandardERC20)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, ctrl.ForgetDir("/work/contracts/"))
	require.Len(t, ctrl.Roots(), 2)
	assert.Equal(t, "/work/Root.sol#ERC20", ctrl.Roots()[0].ID)
	assert.Equal(t, "/work/contracts-old/Token.sol#ERC20", ctrl.Roots()[1].ID)

	assert.Equal(t, 0, ctrl.ForgetDir("/work/contracts"))
	assert.Equal(t, 2, ctrl.ForgetDir("/work"))
	assert.Empty(t, ctrl.Roots())
}

func TestLevelLabel(t *testing.T) {
	assert.Equal(t, "Standard", levelLabel("standard"))
	assert.Equal(t, "Features", levelLabel("features"))
	assert.Equal(t, "", levelLabel(""))
}

func TestNode_AddChildIsUniqueByID(t *testing.T) {
	parent := NewNode("p", "P", "", solidity.Range{})
	first := parent.AddChild(NewNode("c", "C", "", solidity.Range{}))
	second := parent.AddChild(NewNode("c", "Other", "", solidity.Range{}))

	assert.Same(t, first, second)
	assert.Len(t, parent.Children(), 1)
	assert.Equal(t, []*Node{first}, Leaves(parent))
}
