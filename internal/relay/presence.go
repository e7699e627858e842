package relay

import (
	"sort"
	"sync"

	"github.com/petervdpas/linkup/internal/proto"
)

// Directory is the relay-side registry of currently connected peers. It is
// the only state the relay holds and the only resource shared between
// connection goroutines, so every mutation goes through the mutex.
type Directory struct {
	mu    sync.Mutex
	users map[string]proto.User
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[string]proto.User)}
}

// Add registers a freshly connected peer under its relay-assigned id.
func (d *Directory) Add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = proto.User{ID: id}
}

// Remove drops a peer on disconnect. Unknown ids are a no-op.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

// SetInfo records the display metadata a client announced via register.
func (d *Directory) SetInfo(id, username, profilePic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return
	}
	u.Username = username
	u.ProfilePic = profilePic
	d.users[id] = u
}

// SetBusy flips the peer's busy flag.
func (d *Directory) SetBusy(id string, busy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return
	}
	u.Busy = busy
	d.users[id] = u
}

// Contains reports whether id is currently registered.
func (d *Directory) Contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.users[id]
	return ok
}

// Snapshot returns the current roster sorted by id, suitable for an
// online-users broadcast.
func (d *Directory) Snapshot() []proto.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]proto.User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
