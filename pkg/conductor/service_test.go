package conductor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/symphony/pkg/transport"
	"github.com/cuemby/symphony/pkg/types"
)

// fakeServerStream is an in-process Connect stream for driving the handler
// directly. Only the methods the handler touches are wired.
type fakeServerStream struct {
	grpc.ServerStream
	ctx  context.Context
	in   chan *transport.NodeMessage
	sent chan *transport.ConductorMessage
}

func newFakeServerStream() *fakeServerStream {
	return &fakeServerStream{
		ctx:  context.Background(),
		in:   make(chan *transport.NodeMessage, 16),
		sent: make(chan *transport.ConductorMessage, 64),
	}
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func (f *fakeServerStream) Send(m *transport.ConductorMessage) error {
	f.sent <- m
	return nil
}

func (f *fakeServerStream) Recv() (*transport.NodeMessage, error) {
	m, ok := <-f.in
	if !ok {
		return nil, io.EOF
	}
	return m, nil
}

func pollTrue(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectHelloAckAndTeardown(t *testing.T) {
	registry := NewNodeRegistry()
	assignments := NewAssignmentRegistry()
	svc := NewConductorService(registry, assignments, NewInMemoryCondaEnvSpecStore())

	stream := newFakeServerStream()
	stream.in <- &transport.NodeMessage{Hello: &transport.NodeHello{NodeID: "n1"}}

	done := make(chan error, 1)
	go func() { done <- svc.Connect(stream) }()

	ack := <-stream.sent
	require.NotNil(t, ack.Ack)
	assert.Equal(t, "hello n1", ack.Ack.Message)
	pollTrue(t, "node registered", func() bool { return svc.IsConnected("n1") })

	stream.in <- &transport.NodeMessage{DeploymentStatusList: &transport.DeploymentStatusList{
		Statuses: []types.DeploymentStatus{
			{ExecID: "e1", Status: types.ExecStatusRunning},
			{ExecID: "e2", Status: types.ExecStatusRunning},
		},
	}}
	pollTrue(t, "assignments recorded", func() bool {
		return len(assignments.GetDeployments("n1")) == 2
	})

	// Outbound messages flow FIFO through the per-node queue.
	svc.SendDeploymentChange("n1", "e1", "desired_state", string(types.DesiredStateStopped))
	svc.SendDeploymentReq("n1", `{"ID":"e3"}`)
	upd := <-stream.sent
	require.NotNil(t, upd.DeploymentUpdate)
	assert.Equal(t, "e1", upd.DeploymentUpdate.DeploymentID)
	req := <-stream.sent
	require.NotNil(t, req.DeploymentReq)

	// Stream teardown releases the node record and both assignments.
	close(stream.in)
	require.ErrorIs(t, <-done, io.EOF)

	_, ok := registry.Get("n1")
	assert.False(t, ok)
	_, ok = assignments.GetNode("e1")
	assert.False(t, ok)
	_, ok = assignments.GetNode("e2")
	assert.False(t, ok)
}

func TestConnectRejectsDuplicateHello(t *testing.T) {
	registry := NewNodeRegistry()
	svc := NewConductorService(registry, NewAssignmentRegistry(), NewInMemoryCondaEnvSpecStore())

	first := newFakeServerStream()
	first.in <- &transport.NodeMessage{Hello: &transport.NodeHello{NodeID: "n1"}}
	firstDone := make(chan error, 1)
	go func() { firstDone <- svc.Connect(first) }()
	<-first.sent // ack

	second := newFakeServerStream()
	second.in <- &transport.NodeMessage{Hello: &transport.NodeHello{NodeID: "n1"}}
	err := svc.Connect(second)
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// The original stream survives the rejected duplicate.
	assert.True(t, svc.IsConnected("n1"))
	_, ok := registry.Get("n1")
	assert.True(t, ok)

	close(first.in)
	<-firstDone
}

func TestConnectRejectsNonHelloFirstMessage(t *testing.T) {
	svc := NewConductorService(NewNodeRegistry(), NewAssignmentRegistry(), NewInMemoryCondaEnvSpecStore())

	stream := newFakeServerStream()
	stream.in <- &transport.NodeMessage{Heartbeat: &transport.Heartbeat{NodeID: "n1"}}

	err := svc.Connect(stream)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func batch(id string, lines ...string) transport.DeploymentLogs {
	entries := make([]types.LogLine, len(lines))
	for i, l := range lines {
		entries[i] = types.LogLine{Line: l, Stream: "stdout"}
	}
	return transport.DeploymentLogs{DeploymentID: id, Entries: entries}
}

func TestDeliverLogDropsOldestWhenFull(t *testing.T) {
	sub := &logSubscriber{id: "s1", ch: make(chan transport.DeploymentLogs, 2)}

	assert.True(t, deliverLog(sub, batch("e1", "a")))
	assert.True(t, deliverLog(sub, batch("e1", "b")))

	// Queue full: the oldest entry is dropped to make room.
	assert.True(t, deliverLog(sub, batch("e1", "c")))

	first := <-sub.ch
	assert.Equal(t, "b", first.Entries[0].Line)
	second := <-sub.ch
	assert.Equal(t, "c", second.Entries[0].Line)
}

func TestOutboundQueueNeverEvictsDeploymentReq(t *testing.T) {
	conn := newNodeConn("n1", func() {})

	for i := 0; i < outboundQueueCapacity; i++ {
		conn.enqueue(&transport.ConductorMessage{DeploymentReq: &transport.DeploymentReq{Specification: "{}"}})
	}
	conn.enqueue(&transport.ConductorMessage{Ack: &transport.Ack{Message: "filler"}})
	// Full of deployment_req plus one ack; the next overflow must evict the
	// ack, not any deployment_req.
	conn.enqueue(&transport.ConductorMessage{DeploymentReq: &transport.DeploymentReq{Specification: "{}"}})

	msgs := conn.dequeueAll()
	require.Len(t, msgs, outboundQueueCapacity+1)
	for _, m := range msgs {
		assert.Nil(t, m.Ack, "the ack should have been evicted first")
	}
}

func TestOutboundQueueIsFIFO(t *testing.T) {
	conn := newNodeConn("n1", func() {})
	conn.enqueue(&transport.ConductorMessage{Ack: &transport.Ack{Message: "one"}})
	conn.enqueue(&transport.ConductorMessage{Ack: &transport.Ack{Message: "two"}})
	conn.enqueue(&transport.ConductorMessage{Ack: &transport.Ack{Message: "three"}})

	msgs := conn.dequeueAll()
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Ack.Message)
	assert.Equal(t, "two", msgs[1].Ack.Message)
	assert.Equal(t, "three", msgs[2].Ack.Message)
	assert.Nil(t, conn.dequeueAll())
}

func TestMissingEnvsComputesComplement(t *testing.T) {
	registry := NewNodeRegistry()
	specs := NewInMemoryCondaEnvSpecStore()
	specs.Put(types.CondaEnvSpec{Name: "ml", PythonVersion: "3.11", Packages: []string{"numpy"}})
	specs.Put(types.CondaEnvSpec{Name: "etl", PythonVersion: "3.12"})

	svc := NewConductorService(registry, NewAssignmentRegistry(), specs)

	require.NoError(t, registry.NodeHello(&transport.NodeHello{NodeID: "n1"}))
	registry.UpdateCondaEnvs("n1", []string{"ml"})

	missing := svc.missingEnvs("n1")
	require.Len(t, missing, 1)
	assert.Equal(t, "etl", missing[0].Name)
	assert.Equal(t, "3.12", missing[0].PythonVersion)
}

func TestSubscribeTracksPerExecSets(t *testing.T) {
	svc := NewConductorService(NewNodeRegistry(), NewAssignmentRegistry(), NewInMemoryCondaEnvSpecStore())

	// No stream for n1 exists; Subscribe still registers the subscriber and
	// the enable request is dropped with a warning.
	subID, ch := svc.Subscribe("n1", "e1", 0, 100, nil)
	require.NotEmpty(t, subID)

	svc.publishLogs(&transport.DeploymentLogs{
		DeploymentID: "e1",
		Entries:      []types.LogLine{{Line: "hello"}},
	})
	got := <-ch
	assert.Equal(t, "hello", got.Entries[0].Line)

	svc.Unsubscribe("n1", "e1", subID)
	svc.publishLogs(&transport.DeploymentLogs{
		DeploymentID: "e1",
		Entries:      []types.LogLine{{Line: "dropped"}},
	})
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "no further delivery expected after unsubscribe")
	default:
	}
}
