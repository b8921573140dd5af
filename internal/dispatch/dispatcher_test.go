package dispatch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// recorder collects the names of listeners as they are invoked.
type recorder struct {
	calls []string
}

func (r *recorder) listener(name string) Listener {
	return ListenerFunc(func(p cec.Packet) error {
		r.calls = append(r.calls, name)
		return nil
	})
}

func newTestDispatcher() *Dispatcher {
	return New(Options{Logger: zerolog.Nop()})
}

func TestDispatch_WildcardInvokedOncePerPacket(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	d.Register(Filter{}, rec.listener("all"))

	packets := []cec.Packet{
		cec.NewPacket(0, 4, cec.OpGiveOSDName),
		cec.Poll(4),
		cec.NewPacket(cec.AddrUnregistered, cec.AddrBroadcast, cec.OpReportPhysicalAddress, 0x10, 0x00, 0x04),
	}
	for i, p := range packets {
		assert.Equal(t, 1, d.Dispatch(p))
		assert.Len(t, rec.calls, i+1)
	}
}

func TestDispatch_NestedFiltersAreANDed(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	parent := d.Register(Filter{Source: Addr(cec.AddrTV)}, nil)
	_, err := d.RegisterChild(parent, Filter{Opcode: Op(cec.OpStandby)}, rec.listener("tv-standby"))
	require.NoError(t, err)

	d.Dispatch(cec.NewPacket(cec.AddrTV, cec.AddrBroadcast, cec.OpStandby))
	d.Dispatch(cec.NewPacket(cec.AddrAudioSystem, cec.AddrBroadcast, cec.OpStandby))
	d.Dispatch(cec.NewPacket(cec.AddrTV, cec.AddrBroadcast, cec.OpActiveSource, 0x10, 0x00))

	assert.Equal(t, []string{"tv-standby"}, rec.calls)
}

func TestDispatch_OpcodeScenario(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	d.Register(Filter{Opcode: Op(cec.OpGiveOSDName)}, rec.listener("A"))
	d.Register(Filter{Opcode: Op(cec.OpUserControlPressed)}, rec.listener("B"))

	var got cec.Packet
	d.Register(Filter{Opcode: Op(cec.OpGiveOSDName)}, ListenerFunc(func(p cec.Packet) error {
		got = p
		return nil
	}))

	n := d.Dispatch(cec.Packet{Source: 1, Destination: 4, Data: []byte{0x46}})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A"}, rec.calls)
	assert.Equal(t, []byte{0x46}, got.Data, "listener sees the original payload")
}

func TestDispatch_PreOrderRegistrationOrder(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}

	a := d.Register(Filter{}, rec.listener("a"))
	d.Register(Filter{}, rec.listener("b"))
	a1, err := d.RegisterChild(a, Filter{}, rec.listener("a1"))
	require.NoError(t, err)
	_, err = d.RegisterChild(a1, Filter{}, rec.listener("a1x"))
	require.NoError(t, err)
	_, err = d.RegisterChild(a, Filter{Opcode: Op(cec.OpStandby)}, rec.listener("a2"))
	require.NoError(t, err)

	n := d.Dispatch(cec.NewPacket(0, 4, cec.OpStandby))
	assert.Equal(t, 5, n)
	if diff := cmp.Diff([]string{"a", "a1", "a1x", "a2", "b"}, rec.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch_DeepNesting(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	h := d.Register(Filter{}, nil)
	for i := 0; i < 64; i++ {
		var err error
		h, err = d.RegisterChild(h, Filter{Destination: Addr(4)}, nil)
		require.NoError(t, err)
	}
	_, err := d.RegisterChild(h, Filter{}, rec.listener("leaf"))
	require.NoError(t, err)

	assert.Equal(t, 1, d.Dispatch(cec.NewPacket(0, 4, cec.OpStandby)))
	assert.Equal(t, 0, d.Dispatch(cec.NewPacket(0, 5, cec.OpStandby)))
}

func TestDispatch_FailingListenersAreIsolated(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	d.Register(Filter{}, ListenerFunc(func(cec.Packet) error { panic("boom") }))
	d.Register(Filter{}, ListenerFunc(func(cec.Packet) error { return errors.New("nope") }))
	d.Register(Filter{}, rec.listener("survivor"))

	var n int
	assert.NotPanics(t, func() { n = d.Dispatch(cec.NewPacket(0, 4, cec.OpStandby)) })
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"survivor"}, rec.calls)
}

func TestDispatch_NoMatchIsNotAnError(t *testing.T) {
	d := newTestDispatcher()
	d.Register(Filter{Opcode: Op(cec.OpStandby)}, ListenerFunc(func(cec.Packet) error { return nil }))
	assert.Equal(t, 0, d.Dispatch(cec.Poll(4)), "polls carry no opcode")
	assert.Equal(t, 0, newTestDispatcher().Dispatch(cec.Poll(4)))
}

func TestDispatch_DataFilter(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	d.Register(Filter{Data: []byte{0x44, 0x41}}, rec.listener("volume-up"))

	d.Dispatch(cec.NewPacket(0, 5, cec.OpUserControlPressed, 0x41))
	d.Dispatch(cec.NewPacket(0, 5, cec.OpUserControlPressed, 0x42))
	d.Dispatch(cec.NewPacket(0, 5, cec.OpUserControlPressed, 0x41, 0x00))

	assert.Equal(t, []string{"volume-up"}, rec.calls)
}

func TestUnregister_RemovesSubtree(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	a := d.Register(Filter{}, rec.listener("a"))
	a1, _ := d.RegisterChild(a, Filter{}, rec.listener("a1"))
	d.Register(Filter{}, rec.listener("b"))

	require.NoError(t, d.Unregister(a))
	assert.Equal(t, 1, d.Len())
	d.Dispatch(cec.NewPacket(0, 4, cec.OpStandby))
	assert.Equal(t, []string{"b"}, rec.calls)

	assert.ErrorIs(t, d.Unregister(a1), ErrUnknownHandle)
	_, err := d.RegisterChild(a, Filter{}, nil)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, d.Unregister(0), ErrUnknownHandle)
}

func TestDispatch_ListenerMayRegisterDuringPass(t *testing.T) {
	d := newTestDispatcher()
	rec := &recorder{}
	var self Handle
	self = d.Register(Filter{}, ListenerFunc(func(p cec.Packet) error {
		d.Register(Filter{}, rec.listener("late"))
		return d.Unregister(self)
	}))

	assert.Equal(t, 1, d.Dispatch(cec.NewPacket(0, 4, cec.OpStandby)), "the running pass keeps its snapshot")
	assert.Equal(t, 1, d.Dispatch(cec.NewPacket(0, 4, cec.OpStandby)))
	assert.Equal(t, []string{"late"}, rec.calls)
}

func TestSnapshot(t *testing.T) {
	d := newTestDispatcher()
	a := d.Register(Filter{Source: Addr(0)}, nil)
	d.RegisterChild(a, Filter{Opcode: Op(cec.OpStandby)}, ListenerFunc(func(cec.Packet) error { return nil }))
	d.Register(Filter{}, ListenerFunc(func(cec.Packet) error { return nil }))

	want := []Registration{
		{Handle: 1, Depth: 0, Filter: "src=0"},
		{Handle: 2, Parent: 1, Depth: 1, Filter: "op=0x36", HasListener: true},
		{Handle: 3, Depth: 0, Filter: "*", HasListener: true},
	}
	if diff := cmp.Diff(want, d.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch_DoesNotAllocate(t *testing.T) {
	d := newTestDispatcher()
	count := 0
	parent := d.Register(Filter{Destination: Addr(4)}, nil)
	d.RegisterChild(parent, Filter{Opcode: Op(cec.OpGiveOSDName)}, ListenerFunc(func(cec.Packet) error {
		count++
		return nil
	}))
	d.Register(Filter{Opcode: Op(cec.OpStandby)}, ListenerFunc(func(cec.Packet) error { return nil }))

	p := cec.NewPacket(0, 4, cec.OpGiveOSDName)
	allocs := testing.AllocsPerRun(100, func() { d.Dispatch(p) })
	assert.Zero(t, allocs)
	assert.Positive(t, count)
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, Filter{Source: Addr(15)}.Validate())
	assert.ErrorIs(t, Filter{Destination: Addr(16)}.Validate(), cec.ErrValidation)
}
