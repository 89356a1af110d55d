package transport

import (
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwhai/sts-gateway/internal/message"
)

func TestQoSMapping(t *testing.T) {
	assert.Equal(t, byte(0), qos(0))
	assert.Equal(t, byte(1), qos(1))
	assert.Equal(t, byte(2), qos(2))
	assert.Equal(t, byte(1), qos(99)) // any other value defaults to AtLeastOnce
}

// fakeToken is a completed mqtt.Token with no error, standing in for a
// successful broker round trip.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeToken) Error() error                   { return f.err }

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records every Publish call; Connect/Disconnect are no-ops so
// the test never touches a real broker.
type fakeClient struct {
	mu           sync.Mutex
	published    []publishCall
	connected    bool
	disconnected bool
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token    { c.connected = true; return &fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func newTestTransport() (*Transport, *fakeClient, chan message.TransportAction) {
	in := make(chan message.TransportAction, 4)
	log := logrus.New()
	log.SetOutput(io.Discard)
	fc := &fakeClient{}
	tr := &Transport{In: in, Log: log.WithField("component", "transport"), client: fc, qos: 1}
	return tr, fc, in
}

func TestRunPublishesOnCanonicalTopics(t *testing.T) {
	tr, fc, in := newTestTransport()

	in <- message.NewSendTimeseries("dev1", []byte(`{"dev1":[]}`))
	in <- message.NewSendAttributes("dev1", []byte(`{"dev1":{}}`))
	close(in)

	tr.Run()

	require.Len(t, fc.published, 2)
	assert.Equal(t, telemetryTopic, fc.published[0].topic)
	assert.Equal(t, attributesTopic, fc.published[1].topic)
	assert.True(t, fc.disconnected)
}
