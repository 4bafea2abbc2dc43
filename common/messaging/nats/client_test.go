package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/honeyload/common/messaging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "honeyload", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
	assert.NotEmpty(t, cfg.options())
}

func TestToNatsMsg_CopiesHeaders(t *testing.T) {
	m := toNatsMsg(&messaging.Message{
		Subject:  messaging.DeadLetterSubject("truncated"),
		Data:     []byte(`{}`),
		Metadata: map[string]string{messaging.HeaderMsgID: "abc"},
	})
	assert.Equal(t, "honeyload.dlq.truncated", m.Subject)
	assert.Equal(t, "abc", m.Header.Get(messaging.HeaderMsgID))
}

func TestToNatsMsg_NoHeaders(t *testing.T) {
	m := toNatsMsg(&messaging.Message{Subject: "x", Data: []byte("y")})
	assert.Nil(t, m.Header)
}

func TestPredefinedStreams(t *testing.T) {
	assert.Equal(t, []string{"honeyload.dlq.>"}, DeadLetterStream.Subjects)
	assert.Equal(t, []string{"honeyload.events.committed.>"}, CommittedEventsStream.Subjects)
}
