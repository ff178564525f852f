package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", Preview("hi"))
	long := strings.Repeat("é", 200)
	p := Preview(long)
	assert.Equal(t, PreviewLength, utf8.RuneCountInString(p))
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestNATSNotifierPublishesPerRecipient(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	defer srv.Shutdown()

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync(SubjectPrefix + "bob")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	n := NewNATSNotifier(conn, zaptest.NewLogger(t))
	require.NoError(t, n.Notify(context.Background(), Notification{
		ConversationID: "conv_alice_bob",
		SenderID:       "alice",
		RecipientID:    "bob",
		Preview:        "hi",
	}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var got Notification
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "hi", got.Preview)
}
