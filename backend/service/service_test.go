package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/history"
	"github.com/adwski/callroom/backend/model"
	"github.com/adwski/callroom/backend/protocol"
	"github.com/adwski/callroom/backend/storage/memory"
)

type fakeSwitch struct {
	mu    sync.Mutex
	conns map[string]bool
	inbox map[string][]model.Envelope
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{
		conns: make(map[string]bool),
		inbox: make(map[string][]model.Envelope),
	}
}

func (f *fakeSwitch) Connect(connID string, _ model.Wire) {
	f.mu.Lock()
	f.conns[connID] = true
	f.mu.Unlock()
}

func (f *fakeSwitch) Disconnect(connID string) {
	f.mu.Lock()
	delete(f.conns, connID)
	f.mu.Unlock()
}

func (f *fakeSwitch) Send(connID string, env model.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.conns[connID] {
		return false
	}
	f.inbox[connID] = append(f.inbox[connID], env)
	return true
}

func (f *fakeSwitch) Broadcast(env model.Envelope, except ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	var n int
	for id := range f.conns {
		if !skip[id] {
			f.inbox[id] = append(f.inbox[id], env)
			n++
		}
	}
	return n
}

func (f *fakeSwitch) take(connID string) []model.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.inbox[connID]
	delete(f.inbox, connID)
	return out
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []history.Record
}

func (f *fakeHistory) Dispatch(recs ...history.Record) {
	f.mu.Lock()
	f.recs = append(f.recs, recs...)
	f.mu.Unlock()
}

type harness struct {
	t     *testing.T
	r     *Router
	sw    *fakeSwitch
	hist  *fakeHistory
	state *memory.State
	now   time.Time
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		t:     t,
		sw:    newFakeSwitch(),
		hist:  &fakeHistory{},
		state: memory.NewState(),
		now:   time.Unix(1_700_000_000, 0),
	}
	h.r = NewRouter(Config{
		Logger:      &logger,
		State:       h.state,
		Switch:      h.sw,
		History:     h.hist,
		CallTimeout: timeout,
		Clock: func() time.Time {
			return h.now
		},
	})
	return h
}

func (h *harness) send(connID string, msg protocol.Inbound) {
	h.r.handle(inboundEvent{connID: connID, msg: msg})
}

func (h *harness) join(connID, email, room string) {
	h.t.Helper()
	h.r.Attach(connID, model.NewWire(1))
	h.send(connID, protocol.JoinRoom{Email: email, RoomID: room})
}

func (h *harness) drop(connID string) {
	h.r.handle(disconnectEvent{connID: connID})
}

func (h *harness) dump() string {
	return spew.Sdump(h.state.Snapshot())
}

func (h *harness) assertStatus(email string, want model.Status) {
	h.t.Helper()
	rec, ok := h.state.Identities.Get(email)
	if !ok {
		h.t.Fatalf("%s not in directory\n%s", email, h.dump())
	}
	if rec.Status != want {
		h.t.Fatalf("%s status=%q, want %q\n%s", email, rec.Status, want, h.dump())
	}
}

func (h *harness) assertUnpaired(emails ...string) {
	h.t.Helper()
	for _, e := range emails {
		if p, ok := h.state.Calls.PartnerOf(e); ok {
			h.t.Fatalf("%s still paired with %s\n%s", e, p, h.dump())
		}
	}
}

// expect pops the inbox of connID and checks the event names in order.
func (h *harness) expect(connID string, events ...string) []model.Envelope {
	h.t.Helper()
	got := h.sw.take(connID)
	names := make([]string, 0, len(got))
	for _, env := range got {
		names = append(names, env.Event)
	}
	if len(events) == 0 {
		events = []string{}
	}
	if !reflect.DeepEqual(names, events) {
		h.t.Fatalf("%s received %v, want %v\n%s", connID, names, events, spew.Sdump(got))
	}
	return got
}

// pair joins a, b and c into one room and clears the join chatter.
func (h *harness) pair() {
	h.join("c1", "a", "room")
	h.join("c2", "b", "room")
	h.join("c3", "c", "room")
	for _, c := range []string{"c1", "c2", "c3"} {
		h.sw.take(c)
	}
}

var offer = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func TestJoin_ExistingUsersAndBroadcast(t *testing.T) {
	h := newHarness(t, 0)

	h.join("c1", "a", "room")
	h.expect("c1")

	h.join("c2", "b", "room")
	got := h.expect("c2", protocol.EventExistingUsers)
	if users := got[0].Data.(protocol.ExistingUsersData).Users; !reflect.DeepEqual(users, []string{"a"}) {
		t.Fatalf("existing users=%v, want [a]", users)
	}
	got = h.expect("c1", protocol.EventUserJoined)
	if email := got[0].Data.(protocol.EmailData).Email; email != "b" {
		t.Fatalf("user-joined email=%q", email)
	}

	h.join("c9", "z", "elsewhere")
	h.expect("c9")
	h.expect("c1")
	h.expect("c2")
	h.assertStatus("a", model.StatusOnline)
}

func TestJoin_LastMemberLeavingDeletesRoom(t *testing.T) {
	h := newHarness(t, 0)
	h.join("c1", "a", "room")
	h.drop("c1")

	if _, ok := h.state.Rooms.Members("room"); ok {
		t.Fatalf("room should be gone\n%s", h.dump())
	}
	h.join("c2", "b", "room")
	h.expect("c2")
}

func TestCall_PairsBothSides(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})

	if p, _ := h.state.Calls.PartnerOf("a"); p != "b" {
		t.Fatalf("partnerOf(a)=%q", p)
	}
	if p, _ := h.state.Calls.PartnerOf("b"); p != "a" {
		t.Fatalf("partnerOf(b)=%q", p)
	}
	h.assertStatus("a", model.StatusCalling)
	h.assertStatus("b", model.StatusCalling)

	got := h.expect("c2", protocol.EventIncomingCall)
	data := got[0].Data.(protocol.IncomingCallData)
	if data.Email != "a" || string(data.Offer) != string(offer) {
		t.Fatalf("unexpected incoming call %#v", data)
	}
	h.expect("c1")
}

func TestCall_BusyTargetFailsWithItsStatus(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.send("c3", protocol.CallUser{Email: "b", Offer: offer})

	got := h.expect("c3", protocol.EventCallFailed)
	data := got[0].Data.(protocol.CallFailedData)
	if data.TargetEmail != "b" || data.Reason != "calling" {
		t.Fatalf("unexpected call-failed %#v", data)
	}
	h.assertStatus("c", model.StatusOnline)
	if p, _ := h.state.Calls.PartnerOf("b"); p != "a" {
		t.Fatalf("b was stolen: partner=%q", p)
	}

	h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
	h.send("c3", protocol.CallUser{Email: "a", Offer: offer})
	got = h.expect("c3", protocol.EventCallFailed)
	if reason := got[0].Data.(protocol.CallFailedData).Reason; reason != "in-call" {
		t.Fatalf("reason=%q, want in-call", reason)
	}
}

func TestCall_TargetNotOnline(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c1", protocol.CallUser{Email: "ghost", Offer: offer})
	got := h.expect("c1", protocol.EventCallFailed)
	if reason := got[0].Data.(protocol.CallFailedData).Reason; reason != memory.ReasonNotOnline {
		t.Fatalf("reason=%q", reason)
	}
	h.assertStatus("a", model.StatusOnline)
}

func TestCall_BusyCallerIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.sw.take("c2")
	h.send("c1", protocol.CallUser{Email: "c", Offer: offer})

	h.expect("c1")
	h.expect("c3")
	h.assertStatus("c", model.StatusOnline)
}

func TestCall_FromUnjoinedConnectionIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.r.Attach("stranger", model.NewWire(1))

	for _, msg := range []protocol.Inbound{
		protocol.CallUser{Email: "a", Offer: offer},
		protocol.AcceptCall{Email: "a", Answer: offer},
		protocol.RejectCall{Email: "a"},
		protocol.EndCall{},
	} {
		h.send("stranger", msg)
	}
	h.expect("stranger")
	h.expect("c1")
	h.assertStatus("a", model.StatusOnline)
}

func TestAccept_RelaysAnswerToCaller(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.sw.take("c2")

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	h.send("c2", protocol.AcceptCall{Email: "a", Answer: answer})

	got := h.expect("c1", protocol.EventCallAccepted)
	data := got[0].Data.(protocol.CallAcceptedData)
	if data.Email != "b" || string(data.Answer) != string(answer) {
		t.Fatalf("unexpected call-accepted %#v", data)
	}
	h.assertStatus("a", model.StatusInCall)
	h.assertStatus("b", model.StatusInCall)
}

func TestAccept_MismatchedPartnerIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.sw.take("c2")

	h.send("c2", protocol.AcceptCall{Email: "c", Answer: offer})
	h.send("c3", protocol.AcceptCall{Email: "a", Answer: offer})
	h.send("c1", protocol.AcceptCall{Email: "b", Answer: offer})

	for _, c := range []string{"c1", "c2", "c3"} {
		h.expect(c)
	}
	h.assertStatus("a", model.StatusCalling)
	h.assertStatus("b", model.StatusCalling)
}

func TestReject(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.sw.take("c2")

	h.send("c2", protocol.RejectCall{Email: "c"})
	h.expect("c3")
	h.assertStatus("b", model.StatusCalling)

	h.send("c2", protocol.RejectCall{Email: "a"})
	got := h.expect("c1", protocol.EventCallRejected)
	if email := got[0].Data.(protocol.EmailData).Email; email != "b" {
		t.Fatalf("rejecter=%q", email)
	}
	h.assertStatus("a", model.StatusOnline)
	h.assertStatus("b", model.StatusOnline)
	h.assertUnpaired("a", "b")
	if len(h.hist.recs) != 0 {
		t.Fatalf("rejected call produced history: %v", h.hist.recs)
	}
}

func TestReject_WithoutCallIsIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c2", protocol.RejectCall{Email: "a"})
	for _, c := range []string{"c1", "c2", "c3"} {
		h.expect(c)
	}
	h.assertStatus("a", model.StatusOnline)
	h.assertStatus("b", model.StatusOnline)
	h.assertUnpaired("a", "b")
}

func TestEndCall_ResetsBothAndRecordsHistory(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
	h.sw.take("c1")
	h.sw.take("c2")

	d := 42.0
	h.send("c2", protocol.EndCall{Duration: &d})

	got := h.expect("c1", protocol.EventCallEnded)
	data := got[0].Data.(protocol.CallEndedData)
	if data.Email != "b" || data.Reason != "" {
		t.Fatalf("unexpected call-ended %#v", data)
	}
	h.expect("c2")
	h.assertStatus("a", model.StatusOnline)
	h.assertStatus("b", model.StatusOnline)
	h.assertUnpaired("a", "b")

	if len(h.hist.recs) != 2 {
		t.Fatalf("history=%s", spew.Sdump(h.hist.recs))
	}
	out, in := h.hist.recs[0], h.hist.recs[1]
	if out.Email != "b" || out.Direction != history.DirectionOutgoing || out.RemoteEmail != "a" {
		t.Fatalf("unexpected outgoing record %#v", out)
	}
	if in.Email != "a" || in.Direction != history.DirectionIncoming || in.RemoteEmail != "b" {
		t.Fatalf("unexpected incoming record %#v", in)
	}
	for _, rec := range h.hist.recs {
		if rec.Duration != 42 || rec.Status != history.StatusCompleted {
			t.Fatalf("unexpected record %#v", rec)
		}
	}
}

func TestEndCall_UnusableDurationStillEndsCall(t *testing.T) {
	cases := []struct {
		frame string
		want  int
	}{
		{`{"event":"end-call","data":{"duration":-3}}`, 0},
		{`{"event":"end-call","data":{"duration":"12"}}`, 12},
		{`{"event":"end-call","data":{"duration":"later"}}`, 0},
	}
	for _, tc := range cases {
		h := newHarness(t, 0)
		h.pair()
		h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
		h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
		h.sw.take("c1")
		h.sw.take("c2")

		msg, err := protocol.Decode([]byte(tc.frame))
		if err != nil {
			t.Fatalf("%s: %v", tc.frame, err)
		}
		h.send("c1", msg)

		h.expect("c2", protocol.EventCallEnded)
		h.assertStatus("a", model.StatusOnline)
		h.assertStatus("b", model.StatusOnline)
		h.assertUnpaired("a", "b")
		if len(h.hist.recs) != 2 {
			t.Fatalf("%s: history=%s", tc.frame, spew.Sdump(h.hist.recs))
		}
		for _, rec := range h.hist.recs {
			if rec.Duration != tc.want {
				t.Fatalf("%s: duration=%d, want %d", tc.frame, rec.Duration, tc.want)
			}
		}
	}
}

func TestEndCall_SecondEndIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
	h.send("c1", protocol.EndCall{})
	h.sw.take("c1")
	h.sw.take("c2")
	before := h.state.Snapshot()

	h.send("c1", protocol.EndCall{})
	h.send("c2", protocol.EndCall{})

	h.expect("c1")
	h.expect("c2")
	if !reflect.DeepEqual(before, h.state.Snapshot()) {
		t.Fatalf("second end changed state\n%s", h.dump())
	}
	if len(h.hist.recs) != 2 {
		t.Fatalf("history written %d times", len(h.hist.recs))
	}
}

func TestEndCall_MeasuresDurationWhenOmitted(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.now = h.now.Add(5 * time.Second)
	h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
	h.now = h.now.Add(90 * time.Second)
	h.send("c1", protocol.EndCall{})

	if len(h.hist.recs) != 2 || h.hist.recs[0].Duration != 90 {
		t.Fatalf("history=%s", spew.Sdump(h.hist.recs))
	}
}

func TestEndCall_BeforeAnswerIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.send("c1", protocol.EndCall{})

	if len(h.hist.recs) != 2 || h.hist.recs[0].Status != history.StatusFailed || h.hist.recs[0].Duration != 0 {
		t.Fatalf("history=%s", spew.Sdump(h.hist.recs))
	}
	h.assertStatus("b", model.StatusOnline)
}

func TestDisconnect_CleansUpInCallIdentity(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
	h.sw.take("c1")
	h.sw.take("c2")

	h.drop("c1")

	got := h.expect("c2", protocol.EventCallEnded, protocol.EventUserDisconnected)
	ended := got[0].Data.(protocol.CallEndedData)
	if ended.Email != "a" || ended.Reason != protocol.ReasonDisconnected {
		t.Fatalf("unexpected call-ended %#v", ended)
	}
	if email := got[1].Data.(protocol.EmailData).Email; email != "a" {
		t.Fatalf("user-disconnected email=%q", email)
	}
	h.expect("c3", protocol.EventUserDisconnected)
	h.expect("c1")

	h.assertStatus("b", model.StatusOnline)
	h.assertUnpaired("b")
	if _, ok := h.state.Identities.Get("a"); ok {
		t.Fatalf("a still in directory\n%s", h.dump())
	}
	if _, ok := h.state.Connections.Resolve("c1"); ok {
		t.Fatalf("c1 still bound\n%s", h.dump())
	}
	if members, _ := h.state.Rooms.Members("room"); !reflect.DeepEqual(members, []string{"b", "c"}) {
		t.Fatalf("room members=%v", members)
	}
	if len(h.hist.recs) != 0 {
		t.Fatalf("disconnect produced history")
	}
}

func TestDisconnect_UnknownConnectionIsHarmless(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.drop("nobody")
	h.drop("nobody")
	for _, c := range []string{"c1", "c2", "c3"} {
		h.expect(c)
	}
}

func TestReconnect_InvalidatesOldConnection(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.join("c1b", "a", "room")
	if _, ok := h.state.Connections.Resolve("c1"); ok {
		t.Fatalf("c1 still bound\n%s", h.dump())
	}
	got := h.expect("c1b", protocol.EventExistingUsers)
	if users := got[0].Data.(protocol.ExistingUsersData).Users; !reflect.DeepEqual(users, []string{"b", "c"}) {
		t.Fatalf("existing users=%v", users)
	}
	h.expect("c2", protocol.EventUserJoined)

	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.assertStatus("b", model.StatusOnline)
	h.expect("c2")

	h.drop("c1")
	h.assertStatus("a", model.StatusOnline)
	h.expect("c2")

	h.send("c1b", protocol.CallUser{Email: "b", Offer: offer})
	h.expect("c2", protocol.EventIncomingCall)
}

func TestReconnect_ReclaimsStaleCall(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.send("c1", protocol.CallUser{Email: "b", Offer: offer})
	h.send("c2", protocol.AcceptCall{Email: "a", Answer: offer})
	h.sw.take("c1")
	h.sw.take("c2")

	h.join("c1b", "a", "room")

	got := h.expect("c2", protocol.EventCallEnded, protocol.EventUserJoined)
	if ended := got[0].Data.(protocol.CallEndedData); ended.Reason != protocol.ReasonReconnected {
		t.Fatalf("unexpected call-ended %#v", ended)
	}
	h.assertStatus("a", model.StatusOnline)
	h.assertStatus("b", model.StatusOnline)
	h.assertUnpaired("a", "b")
}

func TestJoin_ConnectionSwitchingIdentityEvictsPrevious(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c1", protocol.JoinRoom{Email: "a2", RoomID: "room"})

	if _, ok := h.state.Identities.Get("a"); ok {
		t.Fatalf("a still present\n%s", h.dump())
	}
	if owner, _ := h.state.Connections.Resolve("c1"); owner != "a2" {
		t.Fatalf("c1 resolves to %q", owner)
	}
	h.expect("c2", protocol.EventUserDisconnected, protocol.EventUserJoined)
	if members, _ := h.state.Rooms.Members("room"); !reflect.DeepEqual(members, []string{"a2", "b", "c"}) {
		t.Fatalf("room members=%v", members)
	}
}

func TestJoin_MovingRoomsLeavesOldRoom(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()

	h.send("c1", protocol.JoinRoom{Email: "a", RoomID: "other"})
	if members, _ := h.state.Rooms.Members("room"); !reflect.DeepEqual(members, []string{"b", "c"}) {
		t.Fatalf("old room members=%v", members)
	}
	if members, _ := h.state.Rooms.Members("other"); !reflect.DeepEqual(members, []string{"a"}) {
		t.Fatalf("new room members=%v", members)
	}
}

func TestInvariant_StatusesAndConnectionsStayConsistent(t *testing.T) {
	h := newHarness(t, 0)
	h.pair()
	h.join("c4", "d", "room")

	steps := []struct {
		conn string
		msg  protocol.Inbound
	}{
		{"c1", protocol.CallUser{Email: "b", Offer: offer}},
		{"c3", protocol.CallUser{Email: "d", Offer: offer}},
		{"c2", protocol.AcceptCall{Email: "a", Answer: offer}},
		{"c4", protocol.RejectCall{Email: "c"}},
		{"c3", protocol.CallUser{Email: "a", Offer: offer}},
		{"c1", protocol.EndCall{}},
		{"c4", protocol.CallUser{Email: "a", Offer: offer}},
		{"c1", protocol.AcceptCall{Email: "d", Answer: offer}},
	}
	for i, step := range steps {
		h.send(step.conn, step.msg)
		checkInvariants(t, h, i)
	}
	h.drop("c4")
	checkInvariants(t, h, len(steps))
}

func checkInvariants(t *testing.T, h *harness, step int) {
	t.Helper()
	snap := h.state.Snapshot()
	for email, rec := range snap.Identities {
		if owner, ok := snap.Connections[rec.ConnID]; !ok || owner != email {
			t.Fatalf("step %d: %s conn %s resolves to %q\n%s", step, email, rec.ConnID, owner, h.dump())
		}
		if partner, ok := h.state.Calls.PartnerOf(email); ok {
			back, _ := h.state.Calls.PartnerOf(partner)
			prec := snap.Identities[partner]
			if back != email || prec.Status != rec.Status || rec.Status == model.StatusOnline {
				t.Fatalf("step %d: asymmetric pairing %s/%s\n%s", step, email, partner, h.dump())
			}
		} else if rec.Status != model.StatusOnline {
			t.Fatalf("step %d: unpaired %s has status %s\n%s", step, email, rec.Status, h.dump())
		}
	}
	for conn, email := range snap.Connections {
		if rec, ok := snap.Identities[email]; !ok || rec.ConnID != conn {
			t.Fatalf("step %d: dangling connection %s -> %s\n%s", step, conn, email, h.dump())
		}
	}
}

func startRouter(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go h.r.Run(ctx, wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_ProcessesSubmittedEventsInOrder(t *testing.T) {
	h := newHarness(t, 0)
	startRouter(t, h)
	ctx := context.Background()

	h.r.Attach("c1", model.NewWire(1))
	h.r.Attach("c2", model.NewWire(1))
	for _, sub := range []struct {
		conn string
		msg  protocol.Inbound
	}{
		{"c1", protocol.JoinRoom{Email: "a", RoomID: "room"}},
		{"c2", protocol.JoinRoom{Email: "b", RoomID: "room"}},
		{"c1", protocol.CallUser{Email: "b", Offer: offer}},
	} {
		if err := h.r.Submit(ctx, sub.conn, sub.msg); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	rooms, err := h.r.Rooms(ctx)
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if !reflect.DeepEqual(rooms, map[string][]string{"room": {"a", "b"}}) {
		t.Fatalf("rooms=%v", rooms)
	}
	snap, err := h.r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Identities["b"].Status != model.StatusCalling {
		t.Fatalf("snapshot=%s", spew.Sdump(snap))
	}

	if err := h.r.Disconnect(ctx, "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := h.r.Rooms(ctx); err != nil {
		t.Fatalf("rooms: %v", err)
	}
	h.expect("c1", protocol.EventUserJoined)
	got := h.expect("c2", protocol.EventExistingUsers, protocol.EventIncomingCall, protocol.EventCallEnded, protocol.EventUserDisconnected)
	if ended := got[2].Data.(protocol.CallEndedData); ended.Reason != protocol.ReasonDisconnected {
		t.Fatalf("unexpected call-ended %#v", ended)
	}
}

func TestRun_CallTimeoutReturnsBothToOnline(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	startRouter(t, h)
	ctx := context.Background()

	h.r.Attach("c1", model.NewWire(1))
	h.r.Attach("c2", model.NewWire(1))
	_ = h.r.Submit(ctx, "c1", protocol.JoinRoom{Email: "a", RoomID: "room"})
	_ = h.r.Submit(ctx, "c2", protocol.JoinRoom{Email: "b", RoomID: "room"})
	_ = h.r.Submit(ctx, "c1", protocol.CallUser{Email: "b", Offer: offer})

	waitFor(t, func() bool {
		snap, err := h.r.Snapshot(ctx)
		return err == nil && len(snap.Calls) == 0 &&
			snap.Identities["a"].Status == model.StatusOnline &&
			snap.Identities["b"].Status == model.StatusOnline
	})

	got := h.expect("c1", protocol.EventUserJoined, protocol.EventCallEnded)
	if ended := got[1].Data.(protocol.CallEndedData); ended.Email != "b" || ended.Reason != protocol.ReasonTimeout {
		t.Fatalf("caller got %#v", ended)
	}
	got = h.expect("c2", protocol.EventExistingUsers, protocol.EventIncomingCall, protocol.EventCallEnded)
	if ended := got[2].Data.(protocol.CallEndedData); ended.Email != "a" || ended.Reason != protocol.ReasonTimeout {
		t.Fatalf("callee got %#v", ended)
	}
}

func TestRun_AcceptedCallDoesNotTimeOut(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	startRouter(t, h)
	ctx := context.Background()

	h.r.Attach("c1", model.NewWire(1))
	h.r.Attach("c2", model.NewWire(1))
	_ = h.r.Submit(ctx, "c1", protocol.JoinRoom{Email: "a", RoomID: "room"})
	_ = h.r.Submit(ctx, "c2", protocol.JoinRoom{Email: "b", RoomID: "room"})
	_ = h.r.Submit(ctx, "c1", protocol.CallUser{Email: "b", Offer: offer})
	_ = h.r.Submit(ctx, "c2", protocol.AcceptCall{Email: "a", Answer: offer})

	time.Sleep(80 * time.Millisecond)
	snap, err := h.r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Identities["a"].Status != model.StatusInCall || len(snap.Calls) != 1 {
		t.Fatalf("accepted call was torn down\n%s", spew.Sdump(snap))
	}
}

func TestRun_StoppedRouterRejectsWork(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go h.r.Run(ctx, wg)
	cancel()
	wg.Wait()

	h.r.Attach("c1", model.NewWire(1))
	if err := h.r.Submit(context.Background(), "c1", protocol.EndCall{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit err=%v", err)
	}
	if _, err := h.r.Rooms(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("rooms err=%v", err)
	}
	if err := h.r.Disconnect(context.Background(), "c1"); !errors.Is(err, ErrStopped) {
		t.Fatalf("disconnect err=%v", err)
	}
	if h.sw.conns["c1"] {
		t.Fatalf("c1 still attached")
	}
}

func TestRooms_AbandonedQueryLeavesLoopRunning(t *testing.T) {
	h := newHarness(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.r.Rooms(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}

	// the abandoned query is still queued and gets applied first
	startRouter(t, h)
	h.r.Attach("c1", model.NewWire(1))
	if err := h.r.Submit(context.Background(), "c1", protocol.JoinRoom{Email: "a", RoomID: "room"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rooms, err := h.r.Rooms(context.Background())
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if !reflect.DeepEqual(rooms["room"], []string{"a"}) {
		t.Fatalf("rooms=%v", rooms)
	}
}
