package broker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rhoven/chatdesk/internal/store"
)

func newTestEngine(t *testing.T, dispatch Dispatcher, cfg Config) *Engine {
	t.Helper()
	engine := NewEngine(zaptest.NewLogger(t), store.NewMemory(), dispatch, cfg)
	t.Cleanup(engine.Close)
	return engine
}

func joinAgent(t *testing.T, e *Engine, id, name string) {
	t.Helper()
	require.NoError(t, e.Join(context.Background(), Participant{
		Class: ClassAgent, ConnectionID: id, DisplayName: name,
	}))
}

func joinCustomer(t *testing.T, e *Engine, id, name string) {
	t.Helper()
	require.NoError(t, e.Join(context.Background(), Participant{
		Class: ClassCustomer, ConnectionID: id, DisplayName: name,
	}))
}

func TestJoinDuplicateIsConflict(t *testing.T) {
	dispatch := newFakeDispatcher("a1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	err := engine.Join(ctx, Participant{Class: ClassAgent, ConnectionID: "a1"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	agents, err := engine.ListParticipants(ctx, ClassAgent)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

// Scenario A: with agents [a1, a2] in join order, a request goes to a1 only.
func TestRequestOffersEarliestJoinedAgent(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	target, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a1", target)

	assert.Equal(t, 1, dispatch.count("a1", EventChatRequest))
	assert.Equal(t, 0, dispatch.count("a2", EventChatRequest))

	attempts, err := NewLedger(engine.kv).AttemptedAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, attempts)
}

func TestDuplicateRequestChatIsNoOp(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinCustomer(t, engine, "c1", "Vera")

	first, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	second, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, dispatch.count("a1", EventChatRequest), "re-request must not re-offer")
}

// Scenario B: the offered agent disconnecting advances the offer to the next
// agent and removes the first from presence.
func TestAgentDisconnectAdvancesRequest(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)

	dispatch.drop("a1")
	require.NoError(t, engine.Disconnect(ctx, "a1"))

	assert.Equal(t, 1, dispatch.count("a2", EventChatRequest))

	attempts, err := NewLedger(engine.kv).AttemptedAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, attempts)

	agents, err := engine.ListParticipants(ctx, ClassAgent)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a2", agents[0].ConnectionID)
}

// Scenario C: accept from the advanced-to agent notifies both sides, clears
// the ledger, and later accepts report not-pending.
func TestAcceptMatchesBothParties(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	dispatch.drop("a1")
	require.NoError(t, engine.Disconnect(ctx, "a1"))

	require.NoError(t, engine.Accept(ctx, "c1", "a2"))

	assert.Equal(t, 1, dispatch.count("c1", EventMatched))
	assert.Equal(t, 1, dispatch.count("a2", EventMatched))

	attempts, err := NewLedger(engine.kv).AttemptedAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	assert.ErrorIs(t, engine.Accept(ctx, "c1", "a1"), ErrNotPending)
	// Re-accept by the matched agent is a no-op, not an error.
	assert.NoError(t, engine.Accept(ctx, "c1", "a2"))
}

func TestAcceptFromUntriedAgentFails(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)

	assert.ErrorIs(t, engine.Accept(ctx, "c1", "a2"), ErrUnknownAgent)

	attempts, err := NewLedger(engine.kv).AttemptedAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, attempts, "failed accept must leave state unchanged")
}

func TestAnyPreviouslyOfferedAgentMayAccept(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, engine.Decline(ctx, "c1", "a1"))

	// a1 answers late, after the offer has moved to a2.
	require.NoError(t, engine.Accept(ctx, "c1", "a1"))

	assert.Equal(t, 1, dispatch.count("a1", EventMatched))
	// The superseded target hears the offer is gone.
	assert.Equal(t, 1, dispatch.count("a2", EventRequestCancelled))
}

// Scenario D: no agents present leaves the request pending; a joining agent
// picks it up without a second request call.
func TestLateJoiningAgentServesPendingRequest(t *testing.T) {
	dispatch := newFakeDispatcher("c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
	assert.Equal(t, 1, dispatch.count("c1", EventNoAgentAvailable))

	dispatch.connect("a1")
	joinAgent(t, engine, "a1", "Ana")

	assert.Equal(t, 1, dispatch.count("a1", EventChatRequest))
	require.NoError(t, engine.Accept(ctx, "c1", "a1"))
	assert.Equal(t, 1, dispatch.count("c1", EventMatched))
}

func TestCancelRoundTripLeavesCleanState(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, engine.Cancel(ctx, "c1"))

	assert.Equal(t, 1, dispatch.count("a1", EventRequestCancelled))
	assert.ErrorIs(t, engine.Cancel(ctx, "c1"), ErrNotPending)

	attempts, err := NewLedger(engine.kv).AttemptedAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	// A fresh request starts from a clean slate: a1 is eligible again.
	target, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a1", target)
	assert.Equal(t, 2, dispatch.count("a1", EventChatRequest))
}

func TestDeadAgentSkippedWithinSingleCall(t *testing.T) {
	// a1 is registered but its connection is already gone; the offer must
	// land with a2 in the same RequestChat call.
	dispatch := newFakeDispatcher("a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	require.NoError(t, engine.Join(ctx, Participant{Class: ClassAgent, ConnectionID: "a1"}))
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	target, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a2", target)

	attempts, err := NewLedger(engine.kv).AttemptedAgents(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, attempts)
}

func TestDeclineFromStaleAgentIsNoOp(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, engine.Decline(ctx, "c1", "a1"))
	assert.Equal(t, 1, dispatch.count("a2", EventChatRequest))

	// a1 declining again must not advance anything.
	require.NoError(t, engine.Decline(ctx, "c1", "a1"))
	assert.Equal(t, 1, dispatch.count("a2", EventChatRequest))
}

func TestCustomerDisconnectCancelsAndPurges(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)

	dispatch.drop("c1")
	require.NoError(t, engine.Disconnect(ctx, "c1"))

	assert.Equal(t, 1, dispatch.count("a1", EventRequestCancelled))

	customers, err := engine.ListParticipants(ctx, ClassCustomer)
	require.NoError(t, err)
	assert.Empty(t, customers)

	raw, err := engine.kv.Get(ctx, "c1:request")
	require.NoError(t, err)
	assert.Nil(t, raw, "request record must be destroyed on customer disconnect")
}

func TestResponseTimeoutAdvances(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{ResponseTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return dispatch.count("a2", EventChatRequest) == 1
	}, time.Second, 5*time.Millisecond, "offer should move to a2 after the timeout")
}

func TestTimerSuppressedAfterResolution(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "c1")
	engine := newTestEngine(t, dispatch, Config{ResponseTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, engine.Accept(ctx, "c1", "a1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, dispatch.count("a2", EventChatRequest),
		"a timer firing after accept must not deliver a stale offer")
}

func TestAutoRequestOnJoinPolicy(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "c1")
	engine := newTestEngine(t, dispatch, Config{AutoRequestOnJoin: true})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinCustomer(t, engine, "c1", "Vera")

	assert.Equal(t, 1, dispatch.count("a1", EventChatRequest))

	// Policy must tolerate an empty agent pool.
	dispatch.connect("c2")
	require.NoError(t, engine.Disconnect(ctx, "a1"))
	joinCustomer(t, engine, "c2", "Walt")
	assert.Equal(t, 1, dispatch.count("c2", EventNoAgentAvailable))
}

func TestReconcileDropsDeadEntries(t *testing.T) {
	dispatch := newFakeDispatcher("a2", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	require.NoError(t, engine.Join(ctx, Participant{Class: ClassAgent, ConnectionID: "a1"}))
	joinAgent(t, engine, "a2", "Ben")
	joinCustomer(t, engine, "c1", "Vera")

	require.NoError(t, engine.Reconcile(ctx))

	agents, err := engine.ListParticipants(ctx, ClassAgent)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a2", agents[0].ConnectionID)

	customers, err := engine.ListParticipants(ctx, ClassCustomer)
	require.NoError(t, err)
	assert.Len(t, customers, 1)
}

func TestRequestChatRequiresRegisteredCustomer(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")

	_, err := engine.RequestChat(ctx, "c1")
	assert.ErrorIs(t, err, ErrUnknownCustomer)

	// No request record or offer may exist for the unregistered id.
	raw, err := engine.kv.Get(ctx, "c1:request")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, 0, dispatch.count("a1", EventChatRequest))

	// A later agent join must find nothing to re-offer.
	dispatch.connect("a2")
	joinAgent(t, engine, "a2", "Ben")
	assert.Equal(t, 0, dispatch.count("a2", EventChatRequest))
}

func TestAcceptRequiresBothPartiesRegistered(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinCustomer(t, engine, "c1", "Vera")
	_, err := engine.RequestChat(ctx, "c1")
	require.NoError(t, err)

	// The offered agent's presence entry vanishes before it answers.
	removed, err := engine.presence.Remove(ctx, ClassAgent, "a1")
	require.NoError(t, err)
	require.True(t, removed)
	assert.ErrorIs(t, engine.Accept(ctx, "c1", "a1"), ErrUnknownAgent)

	// The failed accept must leave the request untouched.
	req, err := engine.loadRequest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	joinAgent(t, engine, "a1", "Ana")
	removed, err = engine.presence.Remove(ctx, ClassCustomer, "c1")
	require.NoError(t, err)
	require.True(t, removed)
	assert.ErrorIs(t, engine.Accept(ctx, "c1", "a1"), ErrUnknownCustomer)
}

func TestCustomerLockStaysExclusiveAcrossEntryRecycling(t *testing.T) {
	engine := newTestEngine(t, newFakeDispatcher(), Config{})

	// Uncontended unlocks reclaim the map entry, so this hammers the
	// delete/recreate path: a reclaimed entry must never let two holders
	// into the critical section at once.
	var holders int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				unlock := engine.lockCustomer("c1")
				if n := atomic.AddInt32(&holders, 1); n != 1 {
					t.Errorf("observed %d concurrent holders of the customer lock", n)
				}
				runtime.Gosched()
				atomic.AddInt32(&holders, -1)
				unlock()
			}
		}()
	}
	wg.Wait()

	engine.mu.Lock()
	_, ok := engine.locks["c1"]
	engine.mu.Unlock()
	assert.False(t, ok, "idle lock entries must be reclaimed")
}

func TestConcurrentRequestsSelectSingleTarget(t *testing.T) {
	dispatch := newFakeDispatcher("a1", "a2", "a3", "c1")
	engine := newTestEngine(t, dispatch, Config{})
	ctx := context.Background()

	joinAgent(t, engine, "a1", "Ana")
	joinAgent(t, engine, "a2", "Ben")
	joinAgent(t, engine, "a3", "Cal")
	joinCustomer(t, engine, "c1", "Vera")

	var wg sync.WaitGroup
	targets := make([]string, 8)
	errs := make([]error, 8)
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			targets[i], errs[i] = engine.RequestChat(ctx, "c1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, target := range targets {
		assert.Equal(t, "a1", target, "every racing call must observe the same single target")
	}
	total := dispatch.count("a1", EventChatRequest) +
		dispatch.count("a2", EventChatRequest) +
		dispatch.count("a3", EventChatRequest)
	assert.Equal(t, 1, total, "exactly one offer must be dispatched")
}
