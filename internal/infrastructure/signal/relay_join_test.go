package signal

import (
	"context"
	"testing"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// gatedBackplane holds Subscribe calls for one session until the gate opens.
type gatedBackplane struct {
	*MemoryChannel
	slow    domain.SessionID
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedBackplane) Subscribe(ctx context.Context, sessionID domain.SessionID, handler ports.SignalHandler) (ports.Subscription, error) {
	if sessionID == g.slow {
		g.entered <- struct{}{}
		<-g.gate
	}
	return g.MemoryChannel.Subscribe(ctx, sessionID, handler)
}

func newTestConn(id string, party domain.PartyID) *relayConn {
	return &relayConn{
		id:    id,
		party: party,
		out:   make(chan []byte, outboundBuffer),
		done:  make(chan struct{}),
	}
}

func TestRelay_JoinDoesNotBlockOtherSessionsOnSlowSubscribe(t *testing.T) {
	const (
		slow = domain.SessionID("videocall:slow")
		fast = domain.SessionID("videocall:fast")
	)
	logger := zap.NewNop().Sugar()
	backplane := &gatedBackplane{
		MemoryChannel: NewMemoryChannel(logger),
		slow:          slow,
		gate:          make(chan struct{}),
		entered:       make(chan struct{}, 2),
	}
	relay := NewRelay(RelayConfig{}, backplane, nil, logger)
	t.Cleanup(func() {
		relay.Close()
		backplane.Close()
	})
	ctx := context.Background()

	joined := make(chan error, 2)
	aliceSlow, bobSlow := newTestConn("a", "alice"), newTestConn("b", "bob")
	go func() { joined <- relay.join(ctx, slow, aliceSlow) }()
	go func() { joined <- relay.join(ctx, slow, bobSlow) }()
	for i := 0; i < 2; i++ {
		select {
		case <-backplane.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("slow subscribe never started")
		}
	}

	// Both slow joins are parked inside Subscribe; the fast session must still work.
	carol := newTestConn("c", "carol")
	fastDone := make(chan error, 1)
	go func() { fastDone <- relay.join(ctx, fast, carol) }()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join on another session waited for the slow subscribe")
	}
	assert.Equal(t, 1, relay.Connections(fast))

	msg := domain.SignalMessage{Kind: domain.KindCallRequest, From: "dave", To: "carol"}
	require.NoError(t, backplane.Send(ctx, fast, msg))
	select {
	case <-carol.out:
	case <-time.After(time.Second):
		t.Fatal("frame on the fast session was not relayed")
	}

	close(backplane.gate)
	for i := 0; i < 2; i++ {
		select {
		case err := <-joined:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("slow join never returned")
		}
	}

	assert.Equal(t, 2, relay.Connections(slow))
	require.Eventually(t, func() bool { return backplane.Subscribers(slow) == 1 }, time.Second, 5*time.Millisecond)

	msg = domain.SignalMessage{Kind: domain.KindCallRequest, From: "alice", To: "bob"}
	require.NoError(t, backplane.Send(ctx, slow, msg))
	for _, c := range []*relayConn{aliceSlow, bobSlow} {
		select {
		case <-c.out:
		case <-time.After(time.Second):
			t.Fatalf("conn %s missed the frame", c.id)
		}
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, aliceSlow.out, "frame delivered twice")
	assert.Empty(t, bobSlow.out, "frame delivered twice")
}

func TestRelay_JoinAfterCloseReleasesSubscription(t *testing.T) {
	const slow = domain.SessionID("videocall:slow")
	logger := zap.NewNop().Sugar()
	backplane := &gatedBackplane{
		MemoryChannel: NewMemoryChannel(logger),
		slow:          slow,
		gate:          make(chan struct{}),
		entered:       make(chan struct{}, 1),
	}
	defer backplane.Close()
	relay := NewRelay(RelayConfig{}, backplane, nil, logger)

	joined := make(chan error, 1)
	go func() { joined <- relay.join(context.Background(), slow, newTestConn("a", "alice")) }()
	<-backplane.entered

	relay.Close()
	close(backplane.gate)

	assert.ErrorIs(t, <-joined, domain.ErrChannelClosed)
	assert.Equal(t, 0, backplane.Subscribers(slow))
	assert.Equal(t, 0, relay.Connections(slow))
}
