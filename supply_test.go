package goprobe_test

import (
	"context"
	"testing"
	"time"

	"github.com/pmkprobes/goprobe"
	"github.com/pmkprobes/goprobe/pkg/probesim"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupply(t *testing.T, sim *probesim.Sim, mutate ...func(*goprobe.Config)) *goprobe.Supply {
	t.Helper()
	cfg := &goprobe.Config{
		Model:    goprobe.PS03,
		Timeout:  30 * time.Millisecond,
		Attempts: 3,
		Logger:   zerolog.Nop(),
	}
	for _, m := range mutate {
		m(cfg)
	}
	s, err := goprobe.New(context.Background(), sim, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func identified(t *testing.T, s *goprobe.Supply, ch goprobe.Channel) *goprobe.ProbeIdentity {
	t.Helper()
	id, err := s.Identify(context.Background(), ch)
	require.NoError(t, err)
	return id
}

func TestBumbleBeeGainScenario(t *testing.T) {
	ctx := context.Background()
	sim := probesim.New(goprobe.PS03)
	sim.Plug(goprobe.Channel1, probesim.NewProbe(goprobe.ModelBumbleBee200V, "0815"))
	s := newSupply(t, sim)

	id := identified(t, s, goprobe.Channel1)
	assert.Equal(t, goprobe.ModelBumbleBee200V, id.Model)
	assert.Equal(t, "0815", id.SerialNumber)

	before := sim.Requests(goprobe.Channel1)
	err := s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 25)
	assert.ErrorIs(t, err, goprobe.ErrInvalidParameter)
	assert.Equal(t, before, sim.Requests(goprobe.Channel1), "rejected write never reaches the link")

	require.NoError(t, s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 10))
	cached, ok := s.Cached(goprobe.Channel1, goprobe.RegGain)
	require.True(t, ok)
	assert.Equal(t, 10.0, cached)
	onProbe, _ := sim.Value(goprobe.Channel1, goprobe.RegGain)
	assert.Equal(t, 10.0, onProbe)

	got, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)
}

func TestTimeoutBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("three timeouts fail", func(t *testing.T) {
		sim := probesim.Demo(goprobe.PS03)
		s := newSupply(t, sim)
		identified(t, s, goprobe.Channel2)
		before := sim.Requests(goprobe.Channel2)
		sim.Inject(goprobe.Channel2, probesim.FaultTimeout, probesim.FaultTimeout, probesim.FaultTimeout)

		_, err := s.ReadRegister(ctx, goprobe.Channel2, goprobe.RegTemperature)
		require.ErrorIs(t, err, goprobe.ErrCommunicationFailure)
		assert.ErrorIs(t, err, goprobe.ErrLinkTimeout)
		assert.Equal(t, 3, sim.Requests(goprobe.Channel2)-before)
	})

	t.Run("two timeouts recover", func(t *testing.T) {
		sim := probesim.Demo(goprobe.PS03)
		s := newSupply(t, sim)
		identified(t, s, goprobe.Channel2)
		before := sim.Requests(goprobe.Channel2)
		sim.Inject(goprobe.Channel2, probesim.FaultTimeout, probesim.FaultTimeout)

		v, err := s.ReadRegister(ctx, goprobe.Channel2, goprobe.RegTemperature)
		require.NoError(t, err)
		assert.Equal(t, 25.0, v)
		assert.Equal(t, 3, sim.Requests(goprobe.Channel2)-before)
		assert.EqualValues(t, 2, s.Stats().Timeouts)
	})
}

func TestLinkFaultsAreRetried(t *testing.T) {
	for _, fault := range []probesim.Fault{
		probesim.FaultCorrupt,
		probesim.FaultTruncate,
		probesim.FaultCrossTalk,
		probesim.FaultBusy,
		probesim.FaultNoise,
	} {
		t.Run(fault.String(), func(t *testing.T) {
			sim := probesim.Demo(goprobe.PS03)
			s := newSupply(t, sim)
			identified(t, s, goprobe.Channel1)
			sim.Inject(goprobe.Channel1, fault)
			require.NoError(t, s.WriteRegister(context.Background(), goprobe.Channel1, goprobe.RegGain, 6.5))
			v, _ := sim.Value(goprobe.Channel1, goprobe.RegGain)
			assert.Equal(t, 6.5, v)
		})
	}
}

func TestCacheUnchangedAfterFailure(t *testing.T) {
	ctx := context.Background()
	sim := probesim.Demo(goprobe.PS03)
	s := newSupply(t, sim)
	identified(t, s, goprobe.Channel1)
	require.NoError(t, s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 10))

	sim.Inject(goprobe.Channel1, probesim.FaultTimeout, probesim.FaultTimeout, probesim.FaultTimeout)
	err := s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 15)
	require.ErrorIs(t, err, goprobe.ErrCommunicationFailure)

	v, ok := s.Cached(goprobe.Channel1, goprobe.RegGain)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
}

func TestRequiresIdentifiedProbe(t *testing.T) {
	ctx := context.Background()
	sim := probesim.Demo(goprobe.PS03)
	s := newSupply(t, sim)

	_, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
	assert.ErrorIs(t, err, goprobe.ErrProbeNotDetected)
	err = s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 1)
	assert.ErrorIs(t, err, goprobe.ErrProbeNotDetected)
	assert.ErrorIs(t, s.Reset(ctx, goprobe.Channel1), goprobe.ErrProbeNotDetected)
	assert.ErrorIs(t, s.Execute(ctx, goprobe.Channel1, goprobe.ActAutoZero), goprobe.ErrProbeNotDetected)
	assert.Zero(t, sim.TotalRequests())
}

func TestChannelRange(t *testing.T) {
	ctx := context.Background()
	sim := probesim.Demo(goprobe.PS02)
	s := newSupply(t, sim, func(c *goprobe.Config) { c.Model = goprobe.PS02 })
	assert.Len(t, s.Channels(), 2)

	for _, ch := range []goprobe.Channel{goprobe.ChannelSupply, goprobe.Channel3, 9} {
		_, err := s.Identify(ctx, ch)
		assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, ch.String())
		_, err = s.ReadRegister(ctx, ch, goprobe.RegGain)
		assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, ch.String())
		_, err = s.State(ch)
		assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, ch.String())
	}
	assert.Zero(t, sim.TotalRequests())
}

func TestCapabilityRulesAreLocal(t *testing.T) {
	ctx := context.Background()
	sim := probesim.Demo(goprobe.PS03)
	s := newSupply(t, sim)
	identified(t, s, goprobe.Channel2) // HSDP
	before := sim.TotalRequests()

	_, err := s.ReadRegister(ctx, goprobe.Channel2, goprobe.RegOffset)
	assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, "write-only")
	err = s.WriteRegister(ctx, goprobe.Channel2, goprobe.RegTemperature, 20)
	assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, "read-only")
	err = s.WriteRegister(ctx, goprobe.Channel2, goprobe.RegGain, 1)
	assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, "unsupported")
	err = s.Execute(ctx, goprobe.Channel2, goprobe.ActClearOverloadCounters)
	assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, "unsupported action")
	err = s.WriteLabel(ctx, goprobe.Channel2, goprobe.RegBandwidth, "5MHz")
	assert.ErrorIs(t, err, goprobe.ErrInvalidParameter, "unknown label")
	assert.Equal(t, before, sim.TotalRequests())

	require.NoError(t, s.WriteRegister(ctx, goprobe.Channel2, goprobe.RegOffset, -2.5))
	v, _ := sim.Value(goprobe.Channel2, goprobe.RegOffset)
	assert.Equal(t, -2.5, v)
	require.NoError(t, s.WriteLabel(ctx, goprobe.Channel2, goprobe.RegBandwidth, "20MHz"))
	bw, err := s.ReadRegister(ctx, goprobe.Channel2, goprobe.RegBandwidth)
	require.NoError(t, err)
	assert.Equal(t, 20.0, bw)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("identify answered by no probe", func(t *testing.T) {
		sim := probesim.Demo(goprobe.PS03)
		s := newSupply(t, sim)
		identified(t, s, goprobe.Channel1)
		_, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
		require.NoError(t, err)

		sim.Unplug(goprobe.Channel1)
		_, err = s.Identify(ctx, goprobe.Channel1)
		assert.ErrorIs(t, err, goprobe.ErrProbeNotDetected)
		_, ok := s.Current(goprobe.Channel1)
		assert.False(t, ok)
		_, ok = s.Cached(goprobe.Channel1, goprobe.RegGain)
		assert.False(t, ok)
	})

	t.Run("repeated misses on reads", func(t *testing.T) {
		sim := probesim.Demo(goprobe.PS03)
		s := newSupply(t, sim)
		identified(t, s, goprobe.Channel1)
		sim.Unplug(goprobe.Channel1)

		_, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
		assert.ErrorIs(t, err, goprobe.ErrProbeNotDetected)
		_, ok := s.Current(goprobe.Channel1)
		assert.True(t, ok, "one miss is tolerated")

		_, err = s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
		assert.ErrorIs(t, err, goprobe.ErrProbeNotDetected)
		_, ok = s.Current(goprobe.Channel1)
		assert.False(t, ok)
	})

	t.Run("replug with another model", func(t *testing.T) {
		sim := probesim.Demo(goprobe.PS03)
		s := newSupply(t, sim)
		identified(t, s, goprobe.Channel1)
		require.NoError(t, s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 3))

		sim.Plug(goprobe.Channel1, probesim.NewProbe(goprobe.ModelFireFly, "7777"))
		id := identified(t, s, goprobe.Channel1)
		assert.Equal(t, goprobe.ModelFireFly, id.Model)
		_, ok := s.Cached(goprobe.Channel1, goprobe.RegGain)
		assert.False(t, ok, "cache does not survive a new identity")
		err := s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 3)
		assert.ErrorIs(t, err, goprobe.ErrInvalidParameter)
	})
}

func TestReplugDuringExchangeIsNotCached(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cmd  goprobe.CommandID
		op   func(*goprobe.Supply) error
	}{
		{"write", goprobe.CmdWriteRegister, func(s *goprobe.Supply) error {
			return s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 10)
		}},
		{"read", goprobe.CmdReadRegister, func(s *goprobe.Supply) error {
			_, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := probesim.New(goprobe.PS03)
			sim.Plug(goprobe.Channel1, probesim.NewProbe(goprobe.ModelBumbleBee200V, "1001"))
			var (
				s        *goprobe.Supply
				replaced bool
			)
			s = newSupply(t, sim, func(c *goprobe.Config) {
				c.Observer = func(tr goprobe.Transition) {
					if replaced || tr.Command != tt.cmd || tr.To != goprobe.StateValidated {
						return
					}
					replaced = true
					// another caller rebinds the channel before the answer is cached
					sim.Plug(goprobe.Channel1, probesim.NewProbe(goprobe.ModelBumbleBee400V, "2002"))
					_, err := s.Identify(ctx, goprobe.Channel1)
					require.NoError(t, err)
				}
			})
			identified(t, s, goprobe.Channel1)

			require.NoError(t, tt.op(s))
			require.True(t, replaced)
			id, ok := s.Current(goprobe.Channel1)
			require.True(t, ok)
			assert.Equal(t, "2002", id.SerialNumber)
			_, ok = s.Cached(goprobe.Channel1, goprobe.RegGain)
			assert.False(t, ok, "value belongs to the previous binding")
		})
	}
}

func TestUnsupportedProbe(t *testing.T) {
	sim := probesim.Demo(goprobe.PS03)
	sim.Plug(goprobe.Channel3, probesim.NewUnknownProbe("123-456-789", "1"))
	s := newSupply(t, sim)
	_, err := s.Identify(context.Background(), goprobe.Channel3)
	var up *goprobe.UnsupportedProbeError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "123-456-789", up.UUID)
	_, ok := s.Current(goprobe.Channel3)
	assert.False(t, ok)
}

func TestResetAndExecute(t *testing.T) {
	ctx := context.Background()
	sim := probesim.Demo(goprobe.PS03)
	s := newSupply(t, sim)
	identified(t, s, goprobe.Channel1) // BumbleBee400V

	require.NoError(t, s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegGain, 12))
	require.NoError(t, s.WriteRegister(ctx, goprobe.Channel1, goprobe.RegOffset, 0))
	_, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegOffsetStepSmall)
	require.NoError(t, err)

	require.NoError(t, s.Execute(ctx, goprobe.Channel1, goprobe.ActIncreaseOffsetSmall))
	_, ok := s.Cached(goprobe.Channel1, goprobe.RegOffset)
	assert.False(t, ok, "offset step invalidates offset")
	_, ok = s.Cached(goprobe.Channel1, goprobe.RegGain)
	assert.True(t, ok, "unrelated registers stay cached")
	off, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegOffset)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, off, 1e-9)

	require.NoError(t, s.Reset(ctx, goprobe.Channel1))
	st, err := s.State(goprobe.Channel1)
	require.NoError(t, err)
	assert.Empty(t, st.Registers)
	assert.True(t, st.Connected())
	gain, err := s.ReadRegister(ctx, goprobe.Channel1, goprobe.RegGain)
	require.NoError(t, err)
	assert.Equal(t, 0.0, gain)
}

func TestReadEEPROM(t *testing.T) {
	sim := probesim.Demo(goprobe.PS03)
	s := newSupply(t, sim)
	_, err := s.ReadEEPROM(context.Background(), goprobe.Channel3, nil)
	assert.ErrorIs(t, err, goprobe.ErrProbeNotDetected)
	assert.Zero(t, sim.Requests(goprobe.Channel3))

	identified(t, s, goprobe.Channel3)
	var pages []int
	data, err := s.ReadEEPROM(context.Background(), goprobe.Channel3, func(page, total int) {
		assert.Equal(t, goprobe.EEPROMPages, total)
		pages = append(pages, page)
	})
	require.NoError(t, err)
	assert.Len(t, data, goprobe.EEPROMPages*goprobe.EEPROMPageSize)
	assert.Len(t, pages, goprobe.EEPROMPages)

	id, err := goprobe.ParseIdentity(data)
	require.NoError(t, err)
	assert.Equal(t, goprobe.ModelFireFly, id.Model)
	assert.Equal(t, "3003", id.SerialNumber)
}

func TestScan(t *testing.T) {
	sim := probesim.Demo(goprobe.PS03)
	sim.Unplug(goprobe.Channel3)
	s := newSupply(t, sim)
	results, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, goprobe.ModelBumbleBee400V, results[0].Identity.Model)
	assert.Equal(t, goprobe.ModelHSDP2025, results[1].Identity.Model)
	assert.ErrorIs(t, results[2].Err, goprobe.ErrProbeNotDetected)
	assert.Nil(t, results[2].Identity)
}

func TestVersionAndFirmwareCheck(t *testing.T) {
	sim := probesim.Demo(goprobe.PS03)
	sim.SetVersion(1, 12, 3)
	s := newSupply(t, sim)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.12.3", v)

	_, err = goprobe.New(context.Background(), probesim.Demo(goprobe.PS03), &goprobe.Config{
		Timeout:                30 * time.Millisecond,
		MinimumFirmwareVersion: "1.3.0",
	})
	var fe *goprobe.FirmwareError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "1.2.0", fe.Version)

	ok, err := goprobe.New(context.Background(), probesim.Demo(goprobe.PS03), &goprobe.Config{
		Timeout:                30 * time.Millisecond,
		MinimumFirmwareVersion: "v1.1.9",
	})
	require.NoError(t, err)
	ok.Close()
}

func TestCancelledCallerDoesNotBreakFraming(t *testing.T) {
	sim := probesim.Demo(goprobe.PS03)
	sim.SetLatency(60 * time.Millisecond)
	s := newSupply(t, sim, func(c *goprobe.Config) { c.Timeout = 200 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Identify(ctx, goprobe.Channel1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := s.Current(goprobe.Channel1)
	assert.False(t, ok)

	id, err := s.Identify(context.Background(), goprobe.Channel2)
	require.NoError(t, err)
	assert.Equal(t, goprobe.ModelHSDP2025, id.Model, "late answer for channel 1 was not taken for channel 2")
	assert.EqualValues(t, 1, s.Stats().Abandoned)
}

func TestObserverSeesTransitions(t *testing.T) {
	sim := probesim.Demo(goprobe.PS03)
	var states []goprobe.State
	s := newSupply(t, sim, func(c *goprobe.Config) {
		c.Observer = func(tr goprobe.Transition) { states = append(states, tr.To) }
	})
	sim.Inject(goprobe.Channel1, probesim.FaultCorrupt)
	identified(t, s, goprobe.Channel1)
	assert.Equal(t, []goprobe.State{
		goprobe.StateFrameSent, goprobe.StateAwaitingResponse, goprobe.StateRetrying,
		goprobe.StateFrameSent, goprobe.StateAwaitingResponse, goprobe.StateValidated,
	}, states)
}

func TestSimTransportIsRegistered(t *testing.T) {
	tr, err := goprobe.NewTransport("sim", &goprobe.TransportConfig{Port: "PS02"})
	require.NoError(t, err)
	s, err := goprobe.New(context.Background(), tr, &goprobe.Config{Model: goprobe.PS02, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	results, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Contains(t, goprobe.ListTransportNames(), "sim")
}

func TestDescribeSupply(t *testing.T) {
	tests := []struct {
		name    string
		model   goprobe.SupplyModel
		faults  []probesim.Fault
		wantErr bool
	}{
		{name: "PS02", model: goprobe.PS02},
		{name: "PS03", model: goprobe.PS03},
		{name: "corrupt answer", model: goprobe.PS03, faults: []probesim.Fault{probesim.FaultCorrupt}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := probesim.New(tt.model)
			sim.Inject(goprobe.ChannelSupply, tt.faults...)
			id, err := goprobe.DescribeSupply(context.Background(), sim)
			if tt.wantErr {
				assert.ErrorIs(t, err, goprobe.ErrCommunicationFailure)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.model.String(), id.ModelName)
				assert.Equal(t, "1042", id.SerialNumber)
			}
			_, err = sim.Write([]byte{goprobe.StartMarker})
			assert.Error(t, err, "transport is closed again")
		})
	}
}
