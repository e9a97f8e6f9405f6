package ws

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub(logrus.NewEntry(logrus.New()))
	c := &Connection{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}

	h.register(c)
	assert.Equal(t, 1, h.ActiveCount())
	assert.True(t, h.IsActive("c1"))

	h.unregister(c)
	assert.Equal(t, 0, h.ActiveCount())
	assert.False(t, h.IsActive("c1"))
}

func TestHubMarkSidebar(t *testing.T) {
	h := NewHub(logrus.NewEntry(logrus.New()))
	c := &Connection{id: "c1", send: make(chan []byte, 1), done: make(chan struct{})}
	h.register(c)

	h.markSidebar(c)
	assert.Equal(t, 1, h.SidebarCount())

	h.unregister(c)
	assert.Equal(t, 0, h.SidebarCount())
}

func TestHubBroadcastSkipsMarshalErrorGracefully(t *testing.T) {
	h := NewHub(logrus.NewEntry(logrus.New()))
	assert.NotPanics(t, func() { h.Broadcast(make(chan int)) })
}
