package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paywallet/internal/logging"
)

type capture struct {
	msgs []*nats.Msg
	err  error
}

func (c *capture) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return c.err
}

func TestNATSNotifierPublishesJSON(t *testing.T) {
	pub := &capture{}
	n := NewNATSNotifier(pub)

	err := n.Send(context.Background(), Message{Kind: KindDepositApplied, Destination: "w1", Body: "credited 1000"})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "notifications.deposit_applied", pub.msgs[0].Subject)
	assert.Equal(t, "w1", pub.msgs[0].Header.Get("Destination"))

	var decoded Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &decoded))
	assert.Equal(t, "credited 1000", decoded.Body)
	assert.False(t, decoded.SentAt.IsZero())
}

func TestMultiJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := NewNATSNotifier(&capture{err: errors.New("no responders")})
	m := Multi{NewLoggerNotifier(logging.NewWithWriter(&buf, "info")), nil, failing}

	err := m.Send(context.Background(), Message{Kind: KindTransfer, Destination: "w2"})
	assert.ErrorContains(t, err, "no responders")
	assert.Contains(t, buf.String(), `"kind":"transfer"`)
}
