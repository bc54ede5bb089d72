package session

import (
	"errors"

	"wagate/internal/ports"
	"wagate/internal/types"
)

func (s *UnitTestSuite) TestSendTextNormalizesTargets() {
	dev, c := s.createReady("Sender")
	err := s.gateway.SendText(s.ctx, dev.ID, []string{"081234567890", "6281111", "+447700900000"}, "hello")
	s.NoError(err)

	var got []string
	for _, m := range c.Sent() {
		got = append(got, m.Target)
		s.Equal("hello", m.Body)
	}
	s.ElementsMatch([]string{"6281234567890", "6281111", "+447700900000"}, got)
}

func (s *UnitTestSuite) TestSendTextPartialFailureNamesFailedTargets() {
	dev, c := s.createReady("Partial")
	c.FailTarget("62822", errors.New("not on network"))
	c.FailTarget("62833", errors.New("blocked"))

	err := s.gateway.SendText(s.ctx, dev.ID, []string{"0811", "0822", "0833", "0844"}, "hi")
	s.ErrorIs(err, types.ErrPartialDispatch)
	var perr *types.PartialDispatchError
	s.Require().ErrorAs(err, &perr)
	s.Equal(4, perr.Total)
	s.ElementsMatch([]string{"62822", "62833"}, perr.FailedTargets())

	var sent []string
	for _, m := range c.Sent() {
		sent = append(sent, m.Target)
	}
	s.ElementsMatch([]string{"62811", "62844"}, sent)
}

func (s *UnitTestSuite) TestSendToNonReadyDeviceTouchesNoEngine() {
	dev, err := s.manager.CreateDevice(s.ctx, "Slow")
	s.Require().NoError(err)
	c, _ := s.engine.Client(dev.ID)

	err = s.gateway.SendText(s.ctx, dev.ID, []string{"0811"}, "hi")
	s.ErrorIs(err, types.ErrDeviceNotReady)
	var nr *types.NotReadyError
	s.Require().ErrorAs(err, &nr)
	s.Equal(types.StateInitializing, nr.State)
	s.Empty(c.Sent())

	c.Emit(ports.Event{Kind: ports.EventPairingCode, Payload: "2@x"})
	s.Eventually(func() bool {
		return s.manager.Registry().State(dev.ID) == types.StateAwaitingPairing
	}, waitFor, tick)
	err = s.gateway.SendMedia(s.ctx, dev.ID, []string{"0811"}, types.Media{Data: []byte("x")}, "")
	s.Require().ErrorAs(err, &nr)
	s.Equal(types.StateAwaitingPairing, nr.State)
	s.Empty(c.Sent())
}

func (s *UnitTestSuite) TestSendToUnknownDeviceIsNotFound() {
	err := s.gateway.SendText(s.ctx, "nobody", []string{"0811"}, "hi")
	s.ErrorIs(err, types.ErrNotFound)
	s.ErrorIs(err, types.ErrDeviceNotReady)
}

func (s *UnitTestSuite) TestSendToDisconnectedDevice() {
	dev, c := s.createReady("Dropped")
	c.Emit(ports.Event{Kind: ports.EventDisconnected, Reason: "conflict"})
	s.Eventually(func() bool {
		return s.manager.Registry().State(dev.ID) == types.StateDisconnected
	}, waitFor, tick)

	err := s.gateway.SendText(s.ctx, dev.ID, []string{"0811"}, "hi")
	var nr *types.NotReadyError
	s.Require().ErrorAs(err, &nr)
	s.Equal(types.StateDisconnected, nr.State)
	s.NotErrorIs(err, types.ErrNotFound)
}

func (s *UnitTestSuite) TestSendValidation() {
	dev, _ := s.createReady("Validate")
	s.ErrorIs(s.gateway.SendText(s.ctx, dev.ID, nil, "hi"), types.ErrInvalidRequest)
	s.ErrorIs(s.gateway.SendText(s.ctx, dev.ID, []string{" "}, "hi"), types.ErrInvalidRequest)
	s.ErrorIs(s.gateway.SendText(s.ctx, dev.ID, []string{"0811"}, ""), types.ErrInvalidRequest)
	s.ErrorIs(s.gateway.SendMedia(s.ctx, dev.ID, []string{"0811"}, types.Media{}, ""), types.ErrInvalidRequest)
}

func (s *UnitTestSuite) TestSendMediaDefaultsMimeType() {
	dev, c := s.createReady("Media")
	err := s.gateway.SendMedia(s.ctx, dev.ID, []string{"0811"}, types.Media{Filename: "a.bin", Data: []byte{1, 2}}, "cap")
	s.NoError(err)
	sent := c.Sent()
	s.Require().Len(sent, 1)
	s.Equal("application/octet-stream", sent[0].Media.MimeType)
	s.Equal("cap", sent[0].Caption)
}

func (s *UnitTestSuite) TestListGroupChatsFiltersGroups() {
	s.engine.SetChats([]types.Chat{
		{ID: "g1@g.us", Name: "Team", IsGroup: true},
		{ID: "u1@c.us", Name: "Alice"},
	})
	dev, _ := s.createReady("Chats")
	chats, err := s.gateway.ListGroupChats(s.ctx, dev.ID)
	s.NoError(err)
	s.Equal([]types.Chat{{ID: "g1@g.us", Name: "Team", IsGroup: true}}, chats)
}
