package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(EventComponentStarted, "upgrading vmagent", map[string]string{"component": "vmagent"})

	select {
	case e := <-sub:
		assert.Equal(t, EventComponentStarted, e.Type)
		assert.Equal(t, "vmagent", e.Metadata["component"])
		assert.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started, queue will fill
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(EventPhaseStarted, "phase", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full queue")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}
