package firehose

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/storage"
	"github.com/wrenfeed/pds/storage/memory"
)

func identityEvent(t *testing.T, repoDID string) storage.Event {
	t.Helper()
	payload, err := atdata.Marshal(IdentityPayload{DID: repoDID, Time: time.Unix(0, 0)})
	require.NoError(t, err)
	return storage.Event{RepoDID: repoDID, Time: time.Unix(0, 0), Kind: storage.EventIdentity, Payload: payload}
}

// publish appends ev via PublishEvent at a freshly allocated seq.
func publish(t *testing.T, st storage.Store, ev storage.Event) uint64 {
	t.Helper()
	seq, err := st.PublishEvent(context.Background(), ev, 0)
	require.NoError(t, err)
	return seq
}

func newTestRepo(t *testing.T, st *memory.Store, did string) {
	t.Helper()
	require.NoError(t, st.CreateRepo(context.Background(), storage.Repo{DID: did, Status: storage.StatusActive}))
}

func TestPumpDeliversEventsInOrder(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newTestRepo(t, st, "did:example:alice")

	hub := NewHub()
	pump := NewPump(st, hub, Config{})

	publish(t, st, identityEvent(t, "did:example:alice"))
	publish(t, st, identityEvent(t, "did:example:alice"))

	sub, err := pump.Subscribe(ctx, "", 0)
	require.NoError(t, err)

	f1 := <-sub.Frames()
	f2 := <-sub.Frames()
	require.Equal(t, typeIdentity, f1.Header.T)
	require.Equal(t, typeIdentity, f2.Header.T)
}

func TestPumpWakesOnNotify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := memory.New()
	newTestRepo(t, st, "did:example:alice")

	hub := NewHub()
	pump := NewPump(st, hub, Config{})

	sub, err := pump.Subscribe(ctx, "", 0)
	require.NoError(t, err)

	go func() {
		publish(t, st, identityEvent(t, "did:example:alice"))
		hub.Notify()
	}()

	select {
	case fr := <-sub.Frames():
		require.Equal(t, typeIdentity, fr.Header.T)
	case <-ctx.Done():
		t.Fatal("timed out waiting for frame")
	}
}

func TestPumpFutureCursorRejected(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newTestRepo(t, st, "did:example:alice")
	hub := NewHub()
	pump := NewPump(st, hub, Config{})

	_, err := pump.Subscribe(ctx, "", 100)
	require.ErrorIs(t, err, storage.ErrFutureCursor)
}

func TestPumpOutdatedCursorRejected(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newTestRepo(t, st, "did:example:alice")
	hub := NewHub()

	for i := 0; i < 10; i++ {
		publish(t, st, identityEvent(t, "did:example:alice"))
	}

	pump := NewPump(st, hub, Config{RollbackWindow: 3})
	_, err := pump.Subscribe(ctx, "", 0)
	require.ErrorIs(t, err, storage.ErrOutdatedCursor)

	// a cursor within the window is accepted.
	sub, err := pump.Subscribe(ctx, "", 8)
	require.NoError(t, err)
	require.NotNil(t, sub)
}

// TestPumpGapTimeout exercises the scenario where a sequence number was
// reserved (AllocateSeq) but its event never lands: the pump should
// wait out the gap timeout, then emit a synthetic gap frame and resume
// past it rather than stalling the subscriber forever.
func TestPumpGapTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := memory.New()
	newTestRepo(t, st, "did:example:alice")
	hub := NewHub()

	// reserve seq 1 and never fill it; the next event lands at seq 2.
	_, err := st.AllocateSeq(ctx)
	require.NoError(t, err)
	publish(t, st, identityEvent(t, "did:example:alice"))

	pump := NewPump(st, hub, Config{GapTimeout: 200 * time.Millisecond})
	sub, err := pump.Subscribe(ctx, "", 0)
	require.NoError(t, err)

	fr := <-sub.Frames()
	require.Equal(t, typeGap, fr.Header.T)

	fr2 := <-sub.Frames()
	require.Equal(t, typeIdentity, fr2.Header.T)
}

// TestPumpGapFillsBeforeTimeout confirms that when a writer fulfils its
// earlier seq reservation before the gap timeout elapses, the pump
// delivers the event in order instead of giving up on it. An event at
// seq 2 is already in the log, so the pump sees seq 1 as a gap.
func TestPumpGapFillsBeforeTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := memory.New()
	newTestRepo(t, st, "did:example:alice")
	hub := NewHub()

	reserved, err := st.AllocateSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reserved)
	require.Equal(t, uint64(2), publish(t, st, identityEvent(t, "did:example:alice")))

	pump := NewPump(st, hub, Config{GapTimeout: 3 * time.Second})
	sub, err := pump.Subscribe(ctx, "", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, err := st.PublishEvent(context.Background(), identityEvent(t, "did:example:alice"), reserved)
		require.NoError(t, err)
		hub.Notify()
	}()

	fr := <-sub.Frames()
	require.Equal(t, typeIdentity, fr.Header.T)

	fr2 := <-sub.Frames()
	require.Equal(t, typeIdentity, fr2.Header.T)
}
