package ownership

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id     string
	active bool
	sent   [][]byte
	failAt int
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) Active() bool { return f.active }
func (f *fakeClient) Send(data []byte) error {
	if f.failAt > 0 && len(f.sent) >= f.failAt {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, data)
	return nil
}

func newRouter() *Router {
	return New(logrus.NewEntry(logrus.New()))
}

func TestRouteDropsWithNoOwners(t *testing.T) {
	r := newRouter()
	r.Route("ctt-none", []byte("hello"))
	assert.Empty(t, r.OwnedTerminals("anyone"))
}

func TestAddOwnerAndRoute(t *testing.T) {
	r := newRouter()
	c1 := &fakeClient{id: "c1", active: true}
	c2 := &fakeClient{id: "c2", active: true}
	r.AddOwner("ctt-1", c1)
	r.AddOwner("ctt-1", c2)

	r.Route("ctt-1", []byte("data"))

	require.Len(t, c1.sent, 1)
	require.Len(t, c2.sent, 1)
	assert.Equal(t, []byte("data"), c1.sent[0])
}

func TestRoutePrunesDeadClients(t *testing.T) {
	r := newRouter()
	dead := &fakeClient{id: "dead", active: false}
	alive := &fakeClient{id: "alive", active: true}
	r.AddOwner("ctt-1", dead)
	r.AddOwner("ctt-1", alive)

	r.Route("ctt-1", []byte("x"))

	owned := r.OwnedTerminals("dead")
	assert.Empty(t, owned)
	assert.Contains(t, r.OwnedTerminals("alive"), "ctt-1")
}

func TestRoutePrunesOnFailedSend(t *testing.T) {
	r := newRouter()
	flaky := &fakeClient{id: "flaky", active: true, failAt: 1}
	r.AddOwner("ctt-1", flaky)

	r.Route("ctt-1", []byte("x")) // first send succeeds
	r.Route("ctt-1", []byte("y")) // second send fails

	assert.Empty(t, r.OwnedTerminals("flaky"))
}

func TestRemoveOwnerDeletesEmptySet(t *testing.T) {
	r := newRouter()
	c1 := &fakeClient{id: "c1", active: true}
	r.AddOwner("ctt-1", c1)
	r.RemoveOwner("ctt-1", "c1")

	assert.Empty(t, r.OwnedTerminals("c1"))
	// internal map for ctt-1 should be gone too, Route should be a no-op
	r.Route("ctt-1", []byte("x"))
	assert.Empty(t, c1.sent)
}

func TestRemoveClientEverywhere(t *testing.T) {
	r := newRouter()
	c1 := &fakeClient{id: "c1", active: true}
	r.AddOwner("ctt-1", c1)
	r.AddOwner("ctt-2", c1)

	r.RemoveClientEverywhere("c1")

	assert.Empty(t, r.OwnedTerminals("c1"))
}

func TestSweepRemovesInactiveClients(t *testing.T) {
	r := newRouter()
	c1 := &fakeClient{id: "c1", active: true}
	r.AddOwner("ctt-1", c1)

	c1.active = false
	r.Sweep()

	assert.Empty(t, r.OwnedTerminals("c1"))
}
