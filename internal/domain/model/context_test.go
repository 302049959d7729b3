package model

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticQueueID(t *testing.T) {
	id := SyntheticQueueID()
	require.True(t, strings.HasPrefix(id, "NOQUEUE."))
	assert.Len(t, strings.TrimPrefix(id, "NOQUEUE."), 11)

	// Two ids minted in a row must differ.
	assert.NotEqual(t, id, SyntheticQueueID())
}

func TestConnContextQueueID(t *testing.T) {
	c := NewConnContext(1, slog.Default())

	first := c.QueueID()
	assert.True(t, strings.HasPrefix(first, "NOQUEUE."))
	// Stable until a real id arrives.
	assert.Equal(t, first, c.QueueID())

	c.SetQueueID("4CV5xk3mPzzB")
	assert.Equal(t, "4CV5xk3mPzzB", c.QueueID())

	// Empty updates are ignored.
	c.SetQueueID("")
	assert.Equal(t, "4CV5xk3mPzzB", c.QueueID())
}

func TestConnContextMessageLifecycle(t *testing.T) {
	c := NewConnContext(1, slog.Default())

	c.BeginMessage("alice@example.com")
	require.NotNil(t, c.Msg)
	c.Msg.Rcpts = append(c.Msg.Rcpts, "bob@example.net", "bob@example.net")
	c.Msg.Private["DKIM"] = "state"
	c.Symbols.Set(StageConnect, "j", "mta.example.com")
	c.Symbols.Set(StageMail, "i", "QID1")
	c.Objects.Put("dmarc_record", struct{}{}, true)
	c.Objects.Put("resolver", struct{}{}, false)

	c.DropMessage()
	assert.Nil(t, c.Msg)

	// Connect-stage symbols survive, later stages do not.
	_, ok := c.Symbols.Get("j")
	assert.True(t, ok)
	_, ok = c.Symbols.Get("i")
	assert.False(t, ok)

	// Destroyable objects are reaped, the resolver stays.
	obj, err := c.Objects.Get(context.Background(), "dmarc_record")
	require.NoError(t, err)
	assert.Nil(t, obj)
	obj, err = c.Objects.Get(context.Background(), "resolver")
	require.NoError(t, err)
	assert.NotNil(t, obj)
}

func TestObjectStoreFactory(t *testing.T) {
	s := NewObjectStore()
	built := 0
	s.RegisterFactory("resolver", false, func(context.Context) (any, error) {
		built++
		return "the-resolver", nil
	})

	obj, err := s.Get(context.Background(), "resolver")
	require.NoError(t, err)
	assert.Equal(t, "the-resolver", obj)

	// Lazily built exactly once.
	_, err = s.Get(context.Background(), "resolver")
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	// Unregistered names yield nothing, not an error.
	obj, err = s.Get(context.Background(), "no-such-object")
	require.NoError(t, err)
	assert.Nil(t, obj)
}
