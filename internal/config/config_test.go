package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
)

func TestLoad_Example(t *testing.T) {
	cfg, err := Load("testdata/bridge.yaml")
	require.NoError(t, err)

	assert.Equal(t, []cec.LogicalAddress{cec.AddrPlaybackDevice1}, cfg.LogicalAddresses())
	assert.Equal(t, cec.DevicePlayback, cfg.Device())
	assert.Equal(t, cec.PhysicalAddress(0x1000), cfg.Physical())
	assert.False(t, cfg.PromiscuousEnabled())
	assert.Equal(t, "/dev/ttyUSB0", cfg.Port.Path)

	opts := cfg.ArbitrationOptions()
	assert.Equal(t, 4, opts.MaxAttempts)
	assert.Equal(t, 2400*time.Microsecond, opts.BitPeriod)
	assert.Equal(t, 300*time.Millisecond, opts.AckTimeout)

	require.Len(t, cfg.OnPacket, 3)
	assert.Equal(t, "tv_off", cfg.OnPacket[0].OnPacket[0].Action)
	assert.Equal(t, Value{Ref: "source"}, *cfg.OnPacket[1].Send.Destination)
	data, ok := cfg.OnPacket[2].Data.Static()
	require.True(t, ok)
	assert.Equal(t, []byte{0x44, 0x41}, data)
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)

	assert.Equal(t, []cec.LogicalAddress{cec.AddrPlaybackDevice1}, cfg.LogicalAddresses())
	assert.Equal(t, "cec-bridge", cfg.OSDName)
	assert.Len(t, cfg.SendActions(), 3)

	d := dispatch.New(dispatch.Options{Logger: zerolog.Nop()})
	in := Installer{
		Dispatcher: d,
		Executor:   action.NewExecutor(&recordingSender{}, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	}
	_, err = in.Install(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Len())
}

func TestLoad_FileChecks(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "bridge.json"))
	assert.ErrorContains(t, err, ".yaml")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "stat")

	big := filepath.Join(dir, "big.yaml")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("#", maxFileSize+1)), 0o644))
	_, err = Load(big)
	assert.ErrorContains(t, err, "too large")
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, []cec.LogicalAddress{DefaultAddress}, cfg.LogicalAddresses())
	assert.True(t, cfg.PromiscuousEnabled())
	assert.Equal(t, arbitration.Options{}, cfg.ArbitrationOptions())
}

func TestParse_DeviceType(t *testing.T) {
	cfg, err := Parse([]byte("device_type: tuner\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.LogicalAddresses())
	assert.Equal(t, cec.DeviceTuner, cfg.Device())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"address range", "addresses: [16]", "addresses[0]"},
		{"unknown key", "adresses: [4]", "adresses"},
		{"device type", "device_type: toaster", "device_type"},
		{"both address styles", "addresses: [4]\ndevice_type: playback", "mutually exclusive"},
		{"physical address", "physical_address: 1.2.3", "physical"},
		{"osd name length", "osd_name: abcdefghijklmnop", "osd_name"},
		{"listener opcode", "on_packet:\n  - opcode: 256", "on_packet[0].opcode"},
		{"nested source", "on_packet:\n  - on_packet:\n      - source: 20", "on_packet[0].on_packet[0].source"},
		{"send without destination", "on_packet:\n  - send:\n      data: [1]", "destination"},
		{"send byte range", "on_packet:\n  - send:\n      destination: 0\n      data: [0x44, 300]", "data[1]"},
		{"unknown reference", "on_packet:\n  - send:\n      destination: sender\n      data: [1]", "unknown value"},
		{"unknown action", "on_packet:\n  - action: nope", "unknown action"},
		{"filter with reference", "on_packet:\n  - data: [source]", "references"},
		{"negative timing", "arbitration:\n  ack_timeout: -1s", "ack_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := map[string]Value{
		"5":        {Static: 5},
		"0x36":     {Static: 0x36},
		"source":   {Ref: "source"},
		"opcode":   {Ref: "opcode"},
		"data[2]":  {Ref: "data[2]", index: 2},
		" data[0]": {Ref: "data[0]"},
	}
	for in, want := range tests {
		got, err := ParseValue(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseValue("data[x]")
	assert.Error(t, err)
}

type recordingSender struct {
	sent []cec.Packet
}

func (r *recordingSender) Send(_ context.Context, p cec.Packet) (arbitration.Report, error) {
	r.sent = append(r.sent, p)
	return arbitration.Report{Attempts: 1, Acked: true}, nil
}

func (r *recordingSender) Primary() (cec.LogicalAddress, bool) { return cec.AddrPlaybackDevice1, true }

func TestInstaller_BuildsTree(t *testing.T) {
	cfg, err := Load("testdata/bridge.yaml")
	require.NoError(t, err)

	sender := &recordingSender{}
	d := dispatch.New(dispatch.Options{Logger: zerolog.Nop()})
	in := Installer{
		Dispatcher: d,
		Executor:   action.NewExecutor(sender, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	}
	handles, err := in.Install(cfg)
	require.NoError(t, err)
	assert.Len(t, handles, 3)
	assert.Equal(t, 4, d.Len())

	// standby from the TV: log at the parent, tv_off from the child
	assert.Equal(t, 2, d.Dispatch(cec.NewPacket(cec.AddrTV, cec.AddrBroadcast, cec.OpStandby)))
	// standby from someone else: only the parent
	assert.Equal(t, 1, d.Dispatch(cec.NewPacket(cec.AddrAudioSystem, cec.AddrBroadcast, cec.OpStandby)))
	// vendor id request answered to its sender
	d.Dispatch(cec.NewPacket(cec.AddrTV, cec.AddrPlaybackDevice1, cec.OpGiveDeviceVendorID))
	// exact payload match with a data[N] reference
	d.Dispatch(cec.NewPacket(cec.AddrTV, cec.AddrPlaybackDevice1, cec.OpUserControlPressed, 0x41))

	var got []string
	for _, p := range sender.sent {
		got = append(got, p.String())
	}
	assert.Equal(t, []string{"40:36", "40:87:00:00:00", "45:44:41"}, got)
}

func TestSendActions_ReferenceWithoutPacket(t *testing.T) {
	cfg, err := Parse([]byte("actions:\n  reply:\n    destination: source\n    data: [0x36]\n"))
	require.NoError(t, err)

	exec := action.NewExecutor(&recordingSender{}, zerolog.Nop())
	_, err = exec.Execute(context.Background(), cfg.SendActions()["reply"])
	assert.ErrorContains(t, err, "triggering packet")
}
