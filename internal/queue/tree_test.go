// ABOUTME: Tests for Tree queueing, correlation tracking and turn lifecycle
// ABOUTME: Exercises the branch-level operations the Manager and Processor build on

package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_FirstNodeBecomesRoot(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, rootID, tree.RootID())

	n, ok := tree.Node(rootID)
	require.True(t, ok)
	assert.Empty(t, n.ParentID)
	assert.Equal(t, StatePending, n.State)
	assert.Equal(t, "corr-root", n.CorrelationKey)
	assert.Equal(t, []byte("hello"), n.Payload)
	assert.Equal(t, int64(1), n.Seq)
}

func TestTree_SecondRootRejected(t *testing.T) {
	tree := newTree()

	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	_, err = tree.AddNode("", "corr-other", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestTree_UnknownParentRejected(t *testing.T) {
	tree := newTree()

	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	_, err = tree.AddNode("no-such-node", "corr-child", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestTree_QueueIsFIFO(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)
	first, err := tree.AddNode(rootID, "corr-first", nil)
	require.NoError(t, err)
	second, err := tree.AddNode(rootID, "corr-second", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{rootID, first, second}, tree.PendingIDs())
}

func TestTree_LiveCorrelationKeyRejected(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-dup", nil)
	require.NoError(t, err)

	_, err = tree.AddNode(rootID, "corr-dup", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrelationInUse)
}

func TestTree_CorrelationKeyReusableAfterTerminal(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-dup", nil)
	require.NoError(t, err)

	// Drive the root to a terminal state, then the key is free again.
	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	tree.finishTurn(tn.node.ID, &TurnResult{Response: "done"}, nil, tn.ctx)

	newID, err := tree.AddNode(rootID, "corr-dup", nil)
	require.NoError(t, err)

	n, ok := tree.FindByCorrelation("corr-dup")
	require.True(t, ok)
	assert.Equal(t, newID, n.ID, "index should point at the most recent registration")
}

func TestTree_FindByCorrelation(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	n, ok := tree.FindByCorrelation("corr-root")
	require.True(t, ok)
	assert.Equal(t, rootID, n.ID)

	_, ok = tree.FindByCorrelation("corr-missing")
	assert.False(t, ok)
}

func TestTree_BeginTurnPopsHeadAndMarksProcessing(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", []byte("payload"))
	require.NoError(t, err)
	childID, err := tree.AddNode(rootID, "corr-child", nil)
	require.NoError(t, err)

	require.True(t, tree.claim())

	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	assert.Equal(t, rootID, tn.node.ID)
	assert.Empty(t, tn.token, "no session token before the first success")
	assert.Equal(t, []string{childID}, tree.PendingIDs())

	n, ok := tree.Node(rootID)
	require.True(t, ok)
	assert.Equal(t, StateProcessing, n.State)
}

func TestTree_BeginTurnOnEmptyQueueReleasesBranch(t *testing.T) {
	tree := newTree()
	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	require.True(t, tree.claim())
	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	tree.finishTurn(tn.node.ID, &TurnResult{}, nil, tn.ctx)

	_, ok = tree.beginTurn(context.Background())
	assert.False(t, ok)

	// The empty pop released ownership, so new work can be claimed again.
	rootID := tree.RootID()
	_, err = tree.AddNode(rootID, "corr-next", nil)
	require.NoError(t, err)
	assert.True(t, tree.claim())
}

func TestTree_FinishTurnSuccessAdvancesSessionToken(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)
	childID, err := tree.AddNode(rootID, "corr-child", nil)
	require.NoError(t, err)

	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	tr := tree.finishTurn(tn.node.ID, &TurnResult{Response: "first reply", SessionToken: "tok-1"}, nil, tn.ctx)

	assert.Equal(t, StateDone, tr.State)
	assert.Equal(t, "first reply", tr.Detail)
	assert.False(t, tr.Cancelled)
	assert.Equal(t, "tok-1", tree.SessionToken())

	root, _ := tree.Node(rootID)
	assert.Equal(t, "tok-1", root.SessionToken)

	// The next turn inherits the advanced token.
	tn, ok = tree.beginTurn(context.Background())
	require.True(t, ok)
	assert.Equal(t, childID, tn.node.ID)
	assert.Equal(t, "tok-1", tn.token)
}

func TestTree_FinishTurnEmptyTokenKeepsPrevious(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)
	_, err = tree.AddNode(rootID, "corr-child", nil)
	require.NoError(t, err)

	tn, _ := tree.beginTurn(context.Background())
	tree.finishTurn(tn.node.ID, &TurnResult{Response: "r1", SessionToken: "tok-1"}, nil, tn.ctx)

	tn, _ = tree.beginTurn(context.Background())
	tree.finishTurn(tn.node.ID, &TurnResult{Response: "r2"}, nil, tn.ctx)

	assert.Equal(t, "tok-1", tree.SessionToken())
}

func TestTree_FinishTurnErrorKeepsTokenAndTagsNode(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	tr := tree.finishTurn(tn.node.ID, nil, errors.New("backend exploded"), tn.ctx)

	assert.Equal(t, StateError, tr.State)
	assert.Equal(t, "backend exploded", tr.Detail)
	assert.False(t, tr.Cancelled, "a plain failure is not a cancellation")
	assert.Empty(t, tree.SessionToken())

	n, _ := tree.Node(rootID)
	assert.Equal(t, StateError, n.State)
	assert.Empty(t, n.SessionToken)
}

func TestTree_FinishTurnAfterCancelSignalTagsCancelled(t *testing.T) {
	tree := newTree()

	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)

	require.True(t, tree.CancelCurrentTurn())
	<-tn.ctx.Done()

	tr := tree.finishTurn(tn.node.ID, nil, tn.ctx.Err(), tn.ctx)
	assert.Equal(t, StateError, tr.State)
	assert.True(t, tr.Cancelled)
}

func TestTree_FinishTurnCancellationErrorWithoutSignal(t *testing.T) {
	tree := newTree()

	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	// An executor can observe a deadline the tree never signalled; the
	// error chain alone marks the turn cancelled.
	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	tr := tree.finishTurn(tn.node.ID, nil, context.DeadlineExceeded, tn.ctx)
	assert.True(t, tr.Cancelled)
}

func TestTree_CancelCurrentTurnIdle(t *testing.T) {
	tree := newTree()
	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	assert.False(t, tree.CancelCurrentTurn(), "no turn in flight to cancel")
}

func TestTree_ClearPendingMarksStale(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)
	first, err := tree.AddNode(rootID, "corr-first", nil)
	require.NoError(t, err)
	second, err := tree.AddNode(rootID, "corr-second", nil)
	require.NoError(t, err)

	drained := tree.ClearPending()
	require.Len(t, drained, 3)
	assert.Equal(t, []string{rootID, first, second}, []string{drained[0].ID, drained[1].ID, drained[2].ID})
	for _, n := range drained {
		assert.Equal(t, StateStale, n.State)
		assert.Equal(t, "cleared before execution", n.Detail)
	}

	assert.Empty(t, tree.PendingIDs())
	assert.Nil(t, tree.ClearPending(), "second clear has nothing to drain")
}

func TestTree_ClearPendingLeavesProcessingUntouched(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)
	childID, err := tree.AddNode(rootID, "corr-child", nil)
	require.NoError(t, err)

	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	require.Equal(t, rootID, tn.node.ID)

	drained := tree.ClearPending()
	require.Len(t, drained, 1)
	assert.Equal(t, childID, drained[0].ID)

	n, _ := tree.Node(rootID)
	assert.Equal(t, StateProcessing, n.State)
}

func TestTree_ClaimIsExclusive(t *testing.T) {
	tree := newTree()

	assert.False(t, tree.claim(), "nothing queued yet")

	_, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)

	assert.True(t, tree.claim())
	assert.False(t, tree.claim(), "branch already owned")

	tree.release()
	assert.True(t, tree.claim())
}

func TestTree_FinalizeInterrupted(t *testing.T) {
	tree := newTree()

	rootID, err := tree.AddNode("", "corr-root", nil)
	require.NoError(t, err)
	childID, err := tree.AddNode(rootID, "corr-child", nil)
	require.NoError(t, err)

	tn, ok := tree.beginTurn(context.Background())
	require.True(t, ok)
	require.Equal(t, rootID, tn.node.ID)

	out := tree.finalizeInterrupted("interrupted by restart")
	require.Len(t, out, 1)
	assert.Equal(t, rootID, out[0].NodeID)
	assert.Equal(t, StateError, out[0].State)
	assert.True(t, out[0].Cancelled)
	assert.Equal(t, "interrupted by restart", out[0].Detail)

	// Queued work is untouched and a second sweep finds nothing.
	child, _ := tree.Node(childID)
	assert.Equal(t, StatePending, child.State)
	assert.Empty(t, tree.finalizeInterrupted("interrupted by restart"))
}

func TestNodeState_TerminalAndValid(t *testing.T) {
	terminal := map[NodeState]bool{
		StatePending:    false,
		StateProcessing: false,
		StateDone:       true,
		StateError:      true,
		StateStale:      true,
	}
	for state, want := range terminal {
		assert.True(t, state.Valid(), "state %s", state)
		assert.Equal(t, want, state.Terminal(), "state %s", state)
	}
	assert.False(t, NodeState("exploded").Valid())
}
