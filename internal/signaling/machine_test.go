package signaling

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/tariel-x/pinroom/internal/events"

	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func cand(n int) json.RawMessage {
	return raw(fmt.Sprintf(`{"candidate":"c%d"}`, n))
}

func candidatesFor(ds []Delivery, to string) []json.RawMessage {
	var out []json.RawMessage
	for _, d := range ds {
		if d.To == to && d.Event == events.IceCandidate {
			out = append(out, d.Data.(json.RawMessage))
		}
	}
	return out
}

func TestInitiateRelaysOffer(t *testing.T) {
	m := NewMachine(0)

	out, err := m.Initiate("R1", "a", "b", raw(`{"type":"offer"}`), "A", true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "b", out[0].To)
	require.Equal(t, events.CallUser, out[0].Event)
	require.Equal(t, events.IncomingCallPayload{
		Signal: raw(`{"type":"offer"}`), From: "a", Name: "A", IsVideo: true,
	}, out[0].Data)

	require.Equal(t, Calling, m.StateFor("R1", "a"))
	require.Equal(t, Incoming, m.StateFor("R1", "b"))
	require.Equal(t, Idle, m.StateFor("R1", "c"))
}

func TestSecondInitiationIsBusy(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	_, err = m.Initiate("R1", "b", "a", raw(`{}`), "B", false)
	require.ErrorIs(t, err, ErrCallBusy)

	_, err = m.Initiate("R1", "c", "a", raw(`{}`), "C", false)
	require.ErrorIs(t, err, ErrCallBusy)

	// other rooms are independent
	_, err = m.Initiate("R2", "c", "d", raw(`{}`), "C", false)
	require.NoError(t, err)
	require.Equal(t, 2, m.Active())
}

func TestRepeatedOfferWhileRinging(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{"v":1}`), "A", false)
	require.NoError(t, err)

	out, err := m.Initiate("R1", "a", "b", raw(`{"v":2}`), "A", true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, raw(`{"v":2}`), out[0].Data.(events.IncomingCallPayload).Signal)
	require.Equal(t, Calling, m.StateFor("R1", "a"))
}

func TestRenegotiationWhileConnected(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)
	_, err = m.Accept("R1", "b", "a", raw(`{"type":"answer"}`))
	require.NoError(t, err)

	out, err := m.Initiate("R1", "b", "a", raw(`{"type":"offer","n":2}`), "B", true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].To)

	out, err = m.Accept("R1", "a", "b", raw(`{"type":"answer","n":2}`))
	require.NoError(t, err)
	require.Equal(t, []Delivery{{To: "b", Event: events.CallAccepted, Data: raw(`{"type":"answer","n":2}`)}}, out)
	require.Equal(t, Connected, m.StateFor("R1", "a"))
	require.Equal(t, Connected, m.StateFor("R1", "b"))
}

func TestAcceptRequiresRingingCallee(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Accept("R1", "b", "a", raw(`{}`))
	require.ErrorIs(t, err, ErrNoCall)

	_, err = m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	_, err = m.Accept("R1", "a", "b", raw(`{}`))
	require.ErrorIs(t, err, ErrNoCall)
	require.Equal(t, Calling, m.StateFor("R1", "a"))
}

func TestCandidatesQueuedUntilAccepted(t *testing.T) {
	m := NewMachine(0)

	// the caller trickles candidates before its offer reached the relay
	out, err := m.Candidate("R1", "a", "b", cand(1))
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	out, err = m.Candidate("R1", "a", "b", cand(2))
	require.NoError(t, err)
	require.Empty(t, out)

	// the callee answers and trickles before the caller applied the answer
	out, err = m.Candidate("R1", "b", "a", cand(3))
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = m.Accept("R1", "b", "a", raw(`{"type":"answer"}`))
	require.NoError(t, err)
	require.Equal(t, Delivery{To: "a", Event: events.CallAccepted, Data: raw(`{"type":"answer"}`)}, out[0])
	require.Equal(t, []json.RawMessage{cand(1), cand(2)}, candidatesFor(out, "b"))
	require.Equal(t, []json.RawMessage{cand(3)}, candidatesFor(out, "a"))
	require.Len(t, out, 4)

	// once connected candidates pass straight through
	out, err = m.Candidate("R1", "a", "b", cand(4))
	require.NoError(t, err)
	require.Equal(t, []Delivery{{To: "b", Event: events.IceCandidate, Data: cand(4)}}, out)

	// nothing is flushed twice
	out, err = m.Accept("R1", "b", "a", raw(`{"type":"answer"}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestCandidateQueueIsBounded(t *testing.T) {
	m := NewMachine(2)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	_, err = m.Candidate("R1", "a", "b", cand(1))
	require.NoError(t, err)
	_, err = m.Candidate("R1", "a", "b", cand(2))
	require.NoError(t, err)
	_, err = m.Candidate("R1", "a", "b", cand(3))
	require.ErrorIs(t, err, ErrQueueFull)

	_, err = m.Candidate("R2", "a", "b", cand(1))
	require.NoError(t, err)
	_, err = m.Candidate("R2", "a", "b", cand(2))
	require.NoError(t, err)
	_, err = m.Candidate("R2", "a", "b", cand(3))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestCandidateFromOutsiderIsRejected(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	_, err = m.Candidate("R1", "c", "a", cand(1))
	require.ErrorIs(t, err, ErrCallBusy)
}

func TestEndNotifiesOtherPartyOnce(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)
	_, err = m.Accept("R1", "b", "a", raw(`{}`))
	require.NoError(t, err)

	out, err := m.End("R1", "a")
	require.NoError(t, err)
	require.Equal(t, []Delivery{{To: "b", Event: events.EndCall}}, out)

	out, err = m.End("R1", "b")
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, Idle, m.StateFor("R1", "a"))
}

func TestEndByOutsiderFails(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	_, err = m.End("R1", "c")
	require.ErrorIs(t, err, ErrNoCall)
	require.Equal(t, 1, m.Active())
}

func TestReject(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)

	_, err = m.Reject("R1", "a")
	require.ErrorIs(t, err, ErrNoCall)

	out, err := m.Reject("R1", "b")
	require.NoError(t, err)
	require.Equal(t, []Delivery{{To: "a", Event: events.EndCall}}, out)
	require.Equal(t, 0, m.Active())
}

func TestDropEndsCallAndAllowsNewInitiation(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)
	_, err = m.Accept("R1", "b", "a", raw(`{}`))
	require.NoError(t, err)

	require.Empty(t, m.Drop("R1", "c"))

	out := m.Drop("R1", "b")
	require.Equal(t, []Delivery{{To: "a", Event: events.EndCall}}, out)
	require.Empty(t, m.Drop("R1", "b"))

	_, err = m.Initiate("R1", "a", "c", raw(`{}`), "A", false)
	require.NoError(t, err)
}

func TestDropClearsEarlyCandidates(t *testing.T) {
	m := NewMachine(0)
	_, err := m.Candidate("R1", "a", "b", cand(1))
	require.NoError(t, err)

	require.Empty(t, m.Drop("R1", "a"))

	_, err = m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)
	out, err := m.Accept("R1", "b", "a", raw(`{}`))
	require.NoError(t, err)
	require.Empty(t, candidatesFor(out, "b"))
}

func TestExpireRingingCall(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMachine(0)
	m.nowFn = func() time.Time { return now }

	_, err := m.Initiate("R1", "a", "b", raw(`{}`), "A", false)
	require.NoError(t, err)
	now = now.Add(10 * time.Second)
	_, err = m.Initiate("R2", "c", "d", raw(`{}`), "C", false)
	require.NoError(t, err)
	_, err = m.Accept("R2", "d", "c", raw(`{}`))
	require.NoError(t, err)

	cutoff := now.Add(-5 * time.Second)
	require.Equal(t, []string{"R1"}, m.Stale(cutoff))

	out := m.Expire("R1", cutoff)
	require.ElementsMatch(t, []Delivery{
		{To: "a", Event: events.EndCall},
		{To: "b", Event: events.EndCall},
	}, out)
	require.Empty(t, m.Expire("R1", cutoff))
	require.Empty(t, m.Expire("R2", now.Add(time.Hour)))
	require.Equal(t, Connected, m.StateFor("R2", "c"))
}
