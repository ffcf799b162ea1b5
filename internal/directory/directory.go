// Package directory maps usernames to the transient peer ids they were last
// announced from. It is owned by the node event loop and is not safe for
// concurrent use.
package directory

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrDuplicateRegistration = errors.New("already registered")
	ErrEmptyUsername         = errors.New("username must not be empty")
	ErrUnknownPeer           = errors.New("unknown peer")
)

type Record struct {
	Username  string
	PeerID    string
	Reachable bool
}

type Directory struct {
	localID  string
	username string

	byPeer map[string]*Record
	byName map[string]string
}

func New(localID string) *Directory {
	return &Directory{
		localID: localID,
		byPeer:  make(map[string]*Record),
		byName:  make(map[string]string),
	}
}

// Register claims a username for this node. It succeeds at most once per
// Directory; the caller is responsible for announcing the name.
func (d *Directory) Register(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrEmptyUsername
	}
	if d.username != "" {
		return ErrDuplicateRegistration
	}
	d.username = username
	return nil
}

func (d *Directory) Local() (id, username string) {
	return d.localID, d.username
}

func (d *Directory) Registered() bool {
	return d.username != ""
}

func (d *Directory) Resolve(username string) (string, error) {
	id, ok := d.byName[username]
	if !ok {
		return "", ErrUnknownPeer
	}
	rec := d.byPeer[id]
	if rec == nil || !rec.Reachable {
		return "", ErrUnknownPeer
	}
	return id, nil
}

// OnDiscovered reports whether the local node should announce itself to the
// newly reachable peer.
func (d *Directory) OnDiscovered(peerID string) bool {
	if peerID == d.localID {
		return false
	}
	if rec, ok := d.byPeer[peerID]; ok {
		rec.Reachable = true
	}
	return d.Registered()
}

// OnAnnouncement upserts the record for peerID. The latest announcement for
// a username wins, and a peer that renames releases its old name.
func (d *Directory) OnAnnouncement(peerID, username string) {
	if peerID == d.localID || username == "" {
		return
	}

	rec, ok := d.byPeer[peerID]
	if !ok {
		rec = &Record{PeerID: peerID}
		d.byPeer[peerID] = rec
	}
	if rec.Username != "" && rec.Username != username && d.byName[rec.Username] == peerID {
		delete(d.byName, rec.Username)
	}

	rec.Username = username
	rec.Reachable = true
	d.byName[username] = peerID
}

// OnLost marks the peer unreachable. The record is kept so its username
// still renders, but Resolve fails until the peer announces again.
func (d *Directory) OnLost(peerID string) {
	if rec, ok := d.byPeer[peerID]; ok {
		rec.Reachable = false
	}
}

func (d *Directory) Username(peerID string) (string, bool) {
	if peerID == d.localID && d.username != "" {
		return d.username, true
	}
	rec, ok := d.byPeer[peerID]
	if !ok || rec.Username == "" {
		return "", false
	}
	return rec.Username, true
}

// Records returns a snapshot sorted by username.
func (d *Directory) Records() []Record {
	out := make([]Record, 0, len(d.byPeer))
	for _, rec := range d.byPeer {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}
