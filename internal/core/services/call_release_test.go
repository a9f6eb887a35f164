package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"callnet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rounds = 20

func TestCall_AcceptTimeoutRacingRemoteHangupEndsOnce(t *testing.T) {
	for i := 0; i < rounds; i++ {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.ctrl.StartCall(context.Background()))
			h.expectEvent(domain.EventRequesting)
			h.waitSent(domain.KindCallRequest, 1)
			stream := h.waitStream()

			h.clock.Add(30 * time.Second)
			h.channel.deliver(remoteMsg(domain.KindCallEnded))

			ev := h.expectEvent(domain.EventEnded)
			assert.Contains(t, []domain.EndReason{domain.ReasonNoAnswer, domain.ReasonRemoteEnded}, ev.Reason)
			assert.Empty(t, h.drain(50*time.Millisecond))

			assert.EqualValues(t, 1, stream.stops.Load())
			assert.Equal(t, 0, h.channel.count(domain.KindCallEnded))
			assert.Equal(t, 1, h.channel.unsubscribeCallCount())
		})
	}
}

func TestCall_HangupRacingConnectionFailureEndsOnce(t *testing.T) {
	for i := 0; i < rounds; i++ {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			h := newHarness(t)
			stream, adapter := h.connectAsCaller()

			h.ctrl.EndCall()
			adapter.emit(domain.ConnectionFailed{Reason: "ice-failed"})

			ev := h.expectEvent(domain.EventEnded)
			assert.Contains(t, []domain.EndReason{domain.ReasonLocalEnded, domain.ReasonConnectionError}, ev.Reason)
			assert.Empty(t, h.drain(50*time.Millisecond))

			assert.Equal(t, 1, h.channel.count(domain.KindCallEnded))
			assert.EqualValues(t, 1, stream.stops.Load())
			assert.EqualValues(t, 1, adapter.destroys.Load())
			assert.Equal(t, 1, h.channel.unsubscribeCallCount())
		})
	}
}

func TestCall_NegotiationTimeoutRacingRemoteHangupEndsOnce(t *testing.T) {
	for i := 0; i < rounds; i++ {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.ctrl.StartCall(context.Background()))
			h.expectEvent(domain.EventRequesting)
			h.waitSent(domain.KindCallRequest, 1)
			h.channel.deliver(remoteMsg(domain.KindCallAccepted))
			h.expectEvent(domain.EventConnecting)
			adapter := h.waitAdapter()

			h.channel.deliver(remoteMsg(domain.KindCallEnded))
			h.clock.Add(45 * time.Second)
			h.ctrl.EndCall()

			ev := h.expectEvent(domain.EventEnded)
			assert.Contains(t, []domain.EndReason{
				domain.ReasonRemoteEnded, domain.ReasonConnectionError, domain.ReasonLocalEnded,
			}, ev.Reason)
			assert.Empty(t, h.drain(50*time.Millisecond))

			assert.LessOrEqual(t, h.channel.count(domain.KindCallEnded), 1)
			assert.EqualValues(t, 1, h.waitStream().stops.Load())
			assert.EqualValues(t, 1, adapter.destroys.Load())
			assert.Equal(t, 1, h.channel.unsubscribeCallCount())
		})
	}
}

var allKinds = []domain.SignalKind{
	domain.KindCallRequest,
	domain.KindCallAccepted,
	domain.KindCallEnded,
	domain.KindSdpOffer,
	domain.KindSdpAnswer,
	domain.KindIceCandidate,
}

// Random interleavings of inbound messages, peer events, timers and local
// intents. Whatever happens, every call that starts ends exactly once and
// every resource it acquired is released exactly once.
func TestCall_RandomSequencesReleaseEverythingOnce(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t)
			require.NoError(t, h.ctrl.Listen(context.Background()))

			for step := 0; step < 24; step++ {
				switch rng.Intn(6) {
				case 0, 1:
					h.channel.deliver(remoteMsg(allKinds[rng.Intn(len(allKinds))]))
				case 2:
					adapters := h.peers.created()
					if len(adapters) == 0 {
						continue
					}
					a := adapters[rng.Intn(len(adapters))]
					switch rng.Intn(3) {
					case 0:
						a.emit(domain.RemoteStreamReady{Stream: newFakeStream("remote")})
					case 1:
						a.emit(domain.ConnectionFailed{Reason: "ice-failed"})
					default:
						a.emit(domain.LocalSignal{Kind: domain.KindIceCandidate, Payload: json.RawMessage(`{"candidate":"c"}`)})
					}
				case 3:
					h.clock.Add(time.Duration(rng.Intn(20)) * time.Second)
				case 4:
					_ = h.ctrl.StartCall(context.Background())
				case 5:
					h.ctrl.EndCall()
				}
			}
			h.ctrl.EndCall()

			require.Eventually(t, func() bool { return h.ctrl.State() == domain.StateIdle }, waitTime, tick)
			for _, s := range h.devices.acquired() {
				require.Eventually(t, func() bool { return s.stops.Load() == 1 }, waitTime, tick,
					"stream %p stopped %d times", s, s.stops.Load())
			}
			for _, a := range h.peers.created() {
				assert.EqualValues(t, 1, a.destroys.Load())
			}

			started := map[domain.CallID]int{}
			ended := map[domain.CallID]int{}
			for _, ev := range h.drain(100 * time.Millisecond) {
				switch ev.Type {
				case domain.EventRequesting, domain.EventRinging:
					started[ev.CallID]++
				case domain.EventEnded:
					ended[ev.CallID]++
				}
			}
			for id, n := range started {
				assert.Equal(t, 1, n, "call %s started twice", id)
				assert.Equal(t, 1, ended[id], "call %s ended %d times", id, ended[id])
			}
			for id := range ended {
				assert.Contains(t, started, id)
			}

			for _, s := range h.devices.acquired() {
				assert.EqualValues(t, 1, s.stops.Load(), "stream released more than once")
			}
			active, _, unsubscribes := h.channel.subscriptions()
			assert.LessOrEqual(t, active, 1, "only the idle listener may remain")
			assert.Equal(t, unsubscribes, h.channel.unsubscribeCallCount(), "a subscription was released twice")
		})
	}
}
