package session

import (
	"errors"
	"os"
	"strings"
	"sync"

	"wagate/internal/ports"
	"wagate/internal/types"
)

func (s *UnitTestSuite) TestCreateDeviceStartsInitializing() {
	dev, err := s.manager.CreateDevice(s.ctx, "  Sales  ")
	s.NoError(err)
	s.Equal("Sales", dev.Name)
	s.NotEmpty(dev.ID)

	e, ok := s.cache.Get(dev.ID)
	s.True(ok)
	s.Equal("Sales", e.Name)
	s.Empty(e.Auth)

	s.Equal(types.StateInitializing, s.manager.Registry().State(dev.ID))
	c, ok := s.engine.Client(dev.ID)
	s.True(ok)
	s.True(c.Started())
}

func (s *UnitTestSuite) TestCreateDeviceRejectsEmptyName() {
	_, err := s.manager.CreateDevice(s.ctx, "   ")
	s.ErrorIs(err, types.ErrInvalidRequest)
	s.Empty(s.cache.Entries())
}

func (s *UnitTestSuite) TestCreateDeviceReturnsRecordWhenStartFails() {
	s.engine.FailStart(errors.New("sidecar offline"))
	dev, err := s.manager.CreateDevice(s.ctx, "Ops")
	s.ErrorIs(err, types.ErrInitialization)
	s.NotEmpty(dev.ID)

	_, err = s.devices.FindDevice(s.ctx, dev.ID)
	s.NoError(err)
	_, ok := s.manager.Registry().Get(dev.ID)
	s.False(ok)
	c, _ := s.engine.Client(dev.ID)
	s.True(c.Closed())
}

func (s *UnitTestSuite) TestConcurrentInitializeYieldsOneHandle() {
	dev, err := s.devices.CreateDevice(s.ctx, "Support")
	s.Require().NoError(err)

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.manager.Initialize(s.ctx, dev.ID)
			s.NoError(err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for _, h := range handles {
		s.Same(handles[0], h)
	}
	s.Equal(1, s.engine.Created(dev.ID))
	s.Equal(1, s.manager.Registry().Len())
	s.Len(s.cache.Entries(), 1)
}

func (s *UnitTestSuite) TestInitializeIsIdempotentOnceReady() {
	dev, _ := s.createReady("Billing")
	h, err := s.manager.Initialize(s.ctx, dev.ID)
	s.NoError(err)
	s.Equal(types.StateReady, h.State())
	s.Equal(1, s.engine.Created(dev.ID))
}

func (s *UnitTestSuite) TestPairingAuthAndReadyLifecycle() {
	dev, err := s.manager.CreateDevice(s.ctx, "Marketing")
	s.Require().NoError(err)
	c, _ := s.engine.Client(dev.ID)

	c.Emit(ports.Event{Kind: ports.EventPairingCode, Payload: "2@pairing-one"})
	s.Eventually(func() bool {
		d, err := s.devices.FindDevice(s.ctx, dev.ID)
		return err == nil && d.PairingPayload != nil && *d.PairingPayload == "2@pairing-one"
	}, waitFor, tick)
	s.Equal(types.StateAwaitingPairing, s.manager.Registry().State(dev.ID))

	png, err := s.manager.PairingImage(s.ctx, dev.ID)
	s.NoError(err)
	s.Equal([]byte("\x89PNG"), png[:4])

	c.Emit(ports.Event{Kind: ports.EventAuthUpdated, Auth: []byte("secret-auth")})
	c.Emit(ports.Event{Kind: ports.EventReady})
	s.Eventually(func() bool {
		d, err := s.devices.FindDevice(s.ctx, dev.ID)
		return err == nil && d.Ready && d.PairingPayload == nil
	}, waitFor, tick)
	s.Equal(types.StateReady, s.manager.Registry().State(dev.ID))

	e, ok := s.cache.Get(dev.ID)
	s.True(ok)
	s.Equal([]byte("secret-auth"), e.Auth)

	_, err = s.manager.PairingImage(s.ctx, dev.ID)
	s.ErrorIs(err, types.ErrInvalidRequest)
	s.Eventually(func() bool {
		for _, b := range s.pub.Payloads() {
			if strings.Contains(string(b), `"event":"ready"`) {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func (s *UnitTestSuite) TestPairingImageWithoutCode() {
	dev, err := s.manager.CreateDevice(s.ctx, "Fresh")
	s.Require().NoError(err)
	_, err = s.manager.PairingImage(s.ctx, dev.ID)
	var nr *types.NotReadyError
	s.ErrorAs(err, &nr)
	s.Equal(types.StateInitializing, nr.State)

	_, err = s.manager.PairingImage(s.ctx, "missing")
	s.ErrorIs(err, types.ErrNotFound)
}

func (s *UnitTestSuite) TestDisconnectIsDistinctFromNeverInitialized() {
	dev, c := s.createReady("Field")
	c.Emit(ports.Event{Kind: ports.EventDisconnected, Reason: "logged out"})
	s.Eventually(func() bool {
		return s.manager.Registry().State(dev.ID) == types.StateDisconnected
	}, waitFor, tick)

	d, err := s.devices.FindDevice(s.ctx, dev.ID)
	s.NoError(err)
	s.False(d.Ready)
	s.True(c.Closed())
	_, ok := s.cache.Get(dev.ID)
	s.True(ok, "a disconnect keeps the session entry")

	s.Equal(types.StateUninitialized, s.manager.Registry().State("never-seen"))

	h, err := s.manager.Initialize(s.ctx, dev.ID)
	s.NoError(err)
	s.Equal(types.StateInitializing, h.State())
	s.Equal(2, s.engine.Created(dev.ID))
}

func (s *UnitTestSuite) TestRemoveDeviceIsIdempotent() {
	dev, c := s.createReady("Temp")
	authPath := s.mkAuthDir(dev.ID)

	s.NoError(s.manager.RemoveDevice(s.ctx, dev.ID))
	s.True(c.Closed())
	_, ok := s.manager.Registry().Get(dev.ID)
	s.False(ok)
	_, ok = s.cache.Get(dev.ID)
	s.False(ok)
	_, err := os.Stat(authPath)
	s.True(os.IsNotExist(err))
	_, err = s.devices.FindDevice(s.ctx, dev.ID)
	s.ErrorIs(err, types.ErrNotFound)

	err = s.manager.RemoveDevice(s.ctx, dev.ID)
	s.ErrorIs(err, types.ErrNotFound)
	s.Empty(s.cache.Entries())
}

func (s *UnitTestSuite) TestRemoveDeviceWhileAwaitingPairing() {
	dev, err := s.manager.CreateDevice(s.ctx, "Pending")
	s.Require().NoError(err)
	c, _ := s.engine.Client(dev.ID)
	c.Emit(ports.Event{Kind: ports.EventPairingCode, Payload: "2@abc"})
	s.Eventually(func() bool {
		return s.manager.Registry().State(dev.ID) == types.StateAwaitingPairing
	}, waitFor, tick)

	s.NoError(s.manager.RemoveDevice(s.ctx, dev.ID))
	s.True(c.Closed())
	s.Equal(types.StateUninitialized, s.manager.Registry().State(dev.ID))
}

func (s *UnitTestSuite) TestInitializeUnknownDevicePurgesStaleSession() {
	_, err := s.cache.Append(s.ctx, types.SessionEntry{ID: "ghost", Name: "Ghost"})
	s.Require().NoError(err)
	authPath := s.mkAuthDir("ghost")

	_, err = s.manager.Initialize(s.ctx, "ghost")
	s.ErrorIs(err, types.ErrNotFound)
	_, ok := s.cache.Get("ghost")
	s.False(ok)
	_, err = os.Stat(authPath)
	s.True(os.IsNotExist(err))
	s.Equal(0, s.engine.Created("ghost"))
}

func (s *UnitTestSuite) TestEngineClientCreationFailure() {
	dev, err := s.devices.CreateDevice(s.ctx, "Broken")
	s.Require().NoError(err)
	s.engine.FailNewClient(errors.New("no browser"))

	_, err = s.manager.Initialize(s.ctx, dev.ID)
	s.ErrorIs(err, types.ErrInitialization)
	s.Equal(0, s.manager.Registry().Len())
}

func (s *UnitTestSuite) TestRecordDeletedOutOfBandDropsSession() {
	dev, err := s.manager.CreateDevice(s.ctx, "Vanishing")
	s.Require().NoError(err)
	c, _ := s.engine.Client(dev.ID)

	s.Require().NoError(s.devices.DeleteDevice(s.ctx, dev.ID))
	c.Emit(ports.Event{Kind: ports.EventReady})

	s.Eventually(func() bool {
		_, ok := s.manager.Registry().Get(dev.ID)
		return !ok && c.Closed()
	}, waitFor, tick)
	_, ok := s.cache.Get(dev.ID)
	s.False(ok)
}

func (s *UnitTestSuite) TestStartReconcilesAndInitializes() {
	a, err := s.devices.CreateDevice(s.ctx, "A")
	s.Require().NoError(err)
	s.Require().NoError(s.cache.Save(s.ctx, []types.SessionEntry{
		{ID: a.ID, Name: "A", Auth: []byte("auth-a")},
		{ID: "b-deleted", Name: "B"},
	}))
	bAuth := s.mkAuthDir("b-deleted")
	orphanAuth := s.mkAuthDir("orphan")

	s.NoError(s.manager.Start(s.ctx))

	entries := s.cache.Entries()
	s.Len(entries, 1)
	s.Equal(a.ID, entries[0].ID)
	for _, p := range []string{bAuth, orphanAuth} {
		_, err := os.Stat(p)
		s.True(os.IsNotExist(err), p)
	}

	c, ok := s.engine.Client(a.ID)
	s.True(ok)
	s.Equal([]byte("auth-a"), c.Auth)
	s.Equal(0, s.engine.Created("b-deleted"))
}

func (s *UnitTestSuite) TestStartContinuesPastFailingDevice() {
	a, _ := s.devices.CreateDevice(s.ctx, "A")
	b, _ := s.devices.CreateDevice(s.ctx, "B")
	s.Require().NoError(s.cache.Save(s.ctx, []types.SessionEntry{{ID: a.ID, Name: "A"}, {ID: b.ID, Name: "B"}}))
	s.engine.FailStart(errors.New("boom"))

	s.NoError(s.manager.Start(s.ctx))
	s.Equal(1, s.engine.Created(a.ID))
	s.Equal(1, s.engine.Created(b.ID))
}

func (s *UnitTestSuite) TestListDevicesCarriesState() {
	ready, _ := s.createReady("Alpha")
	idle, err := s.devices.CreateDevice(s.ctx, "Beta")
	s.Require().NoError(err)

	page, err := s.manager.ListDevices(s.ctx, types.DeviceFilter{})
	s.NoError(err)
	s.EqualValues(2, page.Total)
	s.Equal(1, page.TotalPages)
	states := map[string]string{}
	for _, d := range page.Data {
		states[d.ID] = d.State
	}
	s.Equal("ready", states[ready.ID])
	s.Equal("uninitialized", states[idle.ID])

	st, err := s.manager.GetDevice(s.ctx, ready.ID)
	s.NoError(err)
	s.True(st.Ready)
}

func (s *UnitTestSuite) TestCloseMarksDevicesNotReady() {
	dev, c := s.createReady("Shutdown")
	s.manager.Close()
	s.True(c.Closed())
	d, err := s.devices.FindDevice(s.ctx, dev.ID)
	s.NoError(err)
	s.False(d.Ready)
}

func (s *UnitTestSuite) TestStartResetsStaleLifecycleFields() {
	withSession, err := s.devices.CreateDevice(s.ctx, "Crashed")
	s.Require().NoError(err)
	noSession, err := s.devices.CreateDevice(s.ctx, "Orphaned")
	s.Require().NoError(err)
	for _, id := range []string{withSession.ID, noSession.ID} {
		s.Require().NoError(s.devices.UpdateDevice(s.ctx, id, types.DeviceUpdate{
			Ready:          types.Bool(true),
			PairingPayload: types.String("2@left-over"),
		}))
	}
	s.Require().NoError(s.cache.Save(s.ctx, []types.SessionEntry{{ID: withSession.ID, Name: "Crashed"}}))

	s.NoError(s.manager.Start(s.ctx))

	for _, id := range []string{withSession.ID, noSession.ID} {
		d, err := s.devices.FindDevice(s.ctx, id)
		s.NoError(err)
		s.False(d.Ready, id)
		s.Nil(d.PairingPayload, id)
	}
	s.Equal(types.StateInitializing, s.manager.Registry().State(withSession.ID))
	s.Equal(types.StateUninitialized, s.manager.Registry().State(noSession.ID))
}

func (s *UnitTestSuite) TestReinitializeClearsReadyFlag() {
	dev, err := s.devices.CreateDevice(s.ctx, "Restarted")
	s.Require().NoError(err)
	s.Require().NoError(s.devices.UpdateDevice(s.ctx, dev.ID, types.DeviceUpdate{Ready: types.Bool(true)}))

	h, err := s.manager.Initialize(s.ctx, dev.ID)
	s.NoError(err)
	s.Equal(types.StateInitializing, h.State())
	d, err := s.devices.FindDevice(s.ctx, dev.ID)
	s.NoError(err)
	s.False(d.Ready)
}

func (s *UnitTestSuite) TestDisconnectDropsPairingCode() {
	dev, err := s.manager.CreateDevice(s.ctx, "Abandoned")
	s.Require().NoError(err)
	c, _ := s.engine.Client(dev.ID)
	c.Emit(ports.Event{Kind: ports.EventPairingCode, Payload: "2@expired"})
	s.Eventually(func() bool {
		return s.manager.Registry().State(dev.ID) == types.StateAwaitingPairing
	}, waitFor, tick)

	c.Emit(ports.Event{Kind: ports.EventDisconnected, Reason: "pairing timed out"})
	s.Eventually(func() bool {
		return s.manager.Registry().State(dev.ID) == types.StateDisconnected
	}, waitFor, tick)

	d, err := s.devices.FindDevice(s.ctx, dev.ID)
	s.NoError(err)
	s.Nil(d.PairingPayload)

	_, err = s.manager.PairingImage(s.ctx, dev.ID)
	var nr *types.NotReadyError
	s.Require().ErrorAs(err, &nr)
	s.Equal(types.StateDisconnected, nr.State)
}

func (s *UnitTestSuite) TestPairingImageIgnoresCodeWithoutLiveHandle() {
	dev, err := s.devices.CreateDevice(s.ctx, "Stale")
	s.Require().NoError(err)
	s.Require().NoError(s.devices.UpdateDevice(s.ctx, dev.ID, types.DeviceUpdate{PairingPayload: types.String("2@old")}))

	_, err = s.manager.PairingImage(s.ctx, dev.ID)
	s.ErrorIs(err, types.ErrDeviceNotReady)
}
