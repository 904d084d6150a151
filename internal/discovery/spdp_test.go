package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdds-team/hdds/internal/guid"
	"github.com/hdds-team/hdds/internal/locator"
)

type fakeMulticastSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeMulticastSender) SendMulticast(msg []byte, dst locator.Locator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeMulticastSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func TestParticipantDataRoundTrip(t *testing.T) {
	d := ParticipantBuiltinTopicData{
		GuidPrefix:    guid.GuidPrefix{0x01, 0xFF, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		Vendor:        guid.VendorIDHdds,
		LeaseDuration: 30 * time.Second,
		DefaultUnicastLocators: []locator.Locator{
			{Kind: locator.KindUDPv4, Port: 7412},
		},
		UserData: []byte("hello"),
	}
	buf := MarshalParticipantData(d)
	got, err := UnmarshalParticipantData(buf)
	require.NoError(t, err)
	assert.Equal(t, d.GuidPrefix, got.GuidPrefix)
	assert.Equal(t, d.Vendor, got.Vendor)
	assert.Equal(t, d.LeaseDuration, got.LeaseDuration)
	assert.Equal(t, d.DefaultUnicastLocators, got.DefaultUnicastLocators)
	assert.Equal(t, d.UserData, got.UserData)
}

func TestSPDPAgentAnnouncesOnStart(t *testing.T) {
	sender := &fakeMulticastSender{}
	self := ParticipantBuiltinTopicData{GuidPrefix: guid.GuidPrefix{0x01}, LeaseDuration: time.Second}
	agent := NewSPDPAgent(self, locator.Locator{}, sender, 50*time.Millisecond, nil, nil, nil)

	agent.Start()
	defer agent.Stop()

	require.Eventually(t, func() bool { return sender.last() != nil }, time.Second, 5*time.Millisecond)
}

func TestSPDPAgentDiscoversPeerNotSelf(t *testing.T) {
	sender := &fakeMulticastSender{}
	self := ParticipantBuiltinTopicData{GuidPrefix: guid.GuidPrefix{0x01}, LeaseDuration: time.Minute}

	var discovered []ParticipantBuiltinTopicData
	agent := NewSPDPAgent(self, locator.Locator{}, sender, time.Hour, nil,
		func(d ParticipantBuiltinTopicData) { discovered = append(discovered, d) }, nil)

	selfPayload := MarshalParticipantData(self)
	agent.HandleAnnouncement(selfPayload)
	assert.Empty(t, discovered, "self announcements must not be treated as peers")

	peer := ParticipantBuiltinTopicData{GuidPrefix: guid.GuidPrefix{0x02}, LeaseDuration: time.Minute}
	agent.HandleAnnouncement(MarshalParticipantData(peer))
	require.Len(t, discovered, 1)
	assert.Equal(t, peer.GuidPrefix, discovered[0].GuidPrefix)
	assert.Equal(t, 1, agent.StatusSnapshot().PeersKnown)
}

func TestSPDPAgentExpiresStaleLease(t *testing.T) {
	sender := &fakeMulticastSender{}
	self := ParticipantBuiltinTopicData{GuidPrefix: guid.GuidPrefix{0x01}, LeaseDuration: time.Minute}

	lost := make(chan guid.GuidPrefix, 1)
	agent := NewSPDPAgent(self, locator.Locator{}, sender, 20*time.Millisecond, nil, nil,
		func(prefix guid.GuidPrefix) { lost <- prefix })

	peer := ParticipantBuiltinTopicData{GuidPrefix: guid.GuidPrefix{0x03}, LeaseDuration: 10 * time.Millisecond}
	agent.HandleAnnouncement(MarshalParticipantData(peer))

	agent.Start()
	defer agent.Stop()

	select {
	case prefix := <-lost:
		assert.Equal(t, peer.GuidPrefix, prefix)
	case <-time.After(time.Second):
		t.Fatal("expected lease expiry notification")
	}
}

func TestSPDPAgentMalformedAnnouncementDropped(t *testing.T) {
	sender := &fakeMulticastSender{}
	self := ParticipantBuiltinTopicData{GuidPrefix: guid.GuidPrefix{0x01}}
	var discovered int
	agent := NewSPDPAgent(self, locator.Locator{}, sender, time.Hour, nil,
		func(ParticipantBuiltinTopicData) { discovered++ }, nil)

	agent.HandleAnnouncement([]byte{0x00})
	assert.Equal(t, 0, discovered)
}
