package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/petervdpas/goopcall/internal/config"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := []struct{ in, addr, url string }{
		{":8790", "127.0.0.1:8790", "http://127.0.0.1:8790"},
		{"0.0.0.0:9000", "127.0.0.1:9000", "http://127.0.0.1:9000"},
		{" 127.0.0.1:1 ", "127.0.0.1:1", "http://127.0.0.1:1"},
	}
	for _, c := range cases {
		addr, url := NormalizeLocalViewer(c.in)
		assert.Equal(t, c.addr, addr, c.in)
		assert.Equal(t, c.url, url, c.in)
	}
}

func TestRTCConfigFromCallSection(t *testing.T) {
	c := config.Default().Call
	c.ICEServers = append(c.ICEServers, config.ICEServer{
		URLs:       []string{"turn:turn.example.org:3478"},
		Username:   "u",
		Credential: "p",
	})

	rc := rtcConfig(c)
	assert.Equal(t, 30*time.Second, rc.DisconnectedTimeout)
	assert.Equal(t, 120*time.Second, rc.FailedTimeout)
	assert.Equal(t, 2*time.Second, rc.KeepAliveInterval)

	assert.Len(t, rc.ICEServers, 3)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, rc.ICEServers[0].URLs)
	assert.Empty(t, rc.ICEServers[0].Username)
	assert.Equal(t, "u", rc.ICEServers[2].Username)
	assert.Equal(t, "p", rc.ICEServers[2].Credential)
}
