package mqtt

import (
	"errors"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
)

func TestReasonPhraseMapping(t *testing.T) {
	cases := map[byte]string{
		0: "connection accepted",
		1: "connection refused: unacceptable protocol version",
		2: "connection refused: identifier rejected",
		3: "connection refused: server unavailable",
		4: "connection refused: bad username or password",
		5: "connection refused: not authorized",
		9: "connection refused: unknown reason",
	}
	for code, want := range cases {
		assert.Equal(t, want, reasonPhrase(code))
	}
}

func TestReasonForConnectErrorMapsKnownSentinel(t *testing.T) {
	sentinel, ok := packets.ConnErrors[2]
	if !ok {
		t.Skip("paho.mqtt.golang/packets.ConnErrors has no entry for code 2")
	}
	assert.Equal(t, "connection refused: identifier rejected", reasonForConnectError(sentinel))
}

func TestReasonForConnectErrorFallsBackToErrorMessage(t *testing.T) {
	assert.Equal(t, "dial tcp: connection refused", reasonForConnectError(errors.New("dial tcp: connection refused")))
}

type fakeSink struct {
	known map[string]bool
	calls []string
}

func (f *fakeSink) Put(topic string, payload []byte) bool {
	f.calls = append(f.calls, topic)
	return f.known[topic]
}

func TestOnMessageDropsUnconfiguredTopic(t *testing.T) {
	sink := &fakeSink{known: map[string]bool{"sensors/a": true}}
	c := New(Config{Topics: []string{"sensors/a"}}, sink, zeroLogger())

	c.onMessage(nil, fakeMessage{topic: "sensors/a", payload: []byte("x")})
	c.onMessage(nil, fakeMessage{topic: "sensors/unknown", payload: []byte("y")})

	assert.ElementsMatch(t, []string{"sensors/a", "sensors/unknown"}, sink.calls)
}

func TestConnectedDefaultsFalse(t *testing.T) {
	c := New(Config{}, &fakeSink{}, zeroLogger())
	assert.False(t, c.Connected())
}
