package trade

import (
	"fmt"
	"sort"

	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
)

type Directory interface {
	Resolve(username string) (string, error)
	OnLost(peerID string)
}

type Sender interface {
	Send(peerID string, msg protocol.Message) error
}

type Files interface {
	Stat(path string) (int64, error)
}

// Jobs runs file I/O off the event loop. Completions are reported back
// through Machine.OnLoaded and Machine.OnStored.
type Jobs interface {
	Load(offerID, path string)
	Store(offerID, path string, data []byte)
}

type Options struct {
	LocalID string
	// Nonce distinguishes offer ids across restarts of the same node id.
	// Empty means offer ids are "<LocalID>-<n>".
	Nonce     string
	Directory Directory
	Sender    Sender
	Files     Files
	Jobs      Jobs
}

// Machine tracks every trade this node takes part in. Like the directory
// it is owned by the event loop and performs no locking.
type Machine struct {
	localID string
	nonce   string
	dir     Directory
	sender  Sender
	files   Files
	jobs    Jobs

	counter uint64
	seq     uint64
	entries map[string]*Entry
}

func New(opts Options) *Machine {
	return &Machine{
		localID: opts.LocalID,
		nonce:   opts.Nonce,
		dir:     opts.Directory,
		sender:  opts.Sender,
		files:   opts.Files,
		jobs:    opts.Jobs,
		entries: make(map[string]*Entry),
	}
}

func (m *Machine) nextID() string {
	m.counter++
	if m.nonce != "" {
		return fmt.Sprintf("%s-%s-%d", m.localID, m.nonce, m.counter)
	}
	return fmt.Sprintf("%s-%d", m.localID, m.counter)
}

func (m *Machine) add(e *Entry) {
	m.seq++
	e.seq = m.seq
	m.entries[e.ID] = e
}

func (m *Machine) fail(e *Entry, err error) error {
	e.State = Failed
	e.Err = err
	e.loading = false
	e.sending = false
	e.stash = nil
	return err
}

func (m *Machine) send(e *Entry, msg protocol.Message) error {
	if err := m.sender.Send(e.PeerID, msg); err != nil {
		m.dir.OnLost(e.PeerID)
		return m.fail(e, fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
	}
	return nil
}

// Propose records o and sends it to the recipient. An unknown recipient
// leaves no trace; an unreadable source or failed send leaves the offer in
// Failed.
func (m *Machine) Propose(o Offer) (string, error) {
	size, err := m.files.Stat(o.OfferedFilePath)
	if err != nil {
		o.ID = m.nextID()
		e := &Entry{Offer: o, Role: RoleOfferer}
		m.add(e)
		return o.ID, m.fail(e, fmt.Errorf("%w: %s: %v", ErrSourceFileUnreadable, o.OfferedFilePath, err))
	}

	peerID, err := m.dir.Resolve(o.RecipientUsername)
	if err != nil {
		return "", fmt.Errorf("%s: %w", o.RecipientUsername, err)
	}

	o.ID = m.nextID()
	e := &Entry{
		Offer:       o,
		Role:        RoleOfferer,
		PeerID:      peerID,
		State:       Proposed,
		OfferedSize: uint64(size),
	}
	m.add(e)

	err = m.send(e, &protocol.TradeOffer{
		OfferID:           o.ID,
		OfferedFileName:   o.OfferedFileName,
		OfferedFileSize:   uint64(size),
		RequestedFileName: o.RequestedFileName,
		RequestedDestPath: o.RequestedFilePath,
	})
	return o.ID, err
}

// OnOffer mirrors an inbound offer as a recipient entry in Proposed.
func (m *Machine) OnOffer(from, offerer, recipient string, msg *protocol.TradeOffer) (*Entry, error) {
	if msg.OfferID == "" || msg.OfferedFileName == "" || msg.RequestedFileName == "" {
		return nil, fmt.Errorf("%w: incomplete offer from %s", ErrInvalidOffer, from)
	}
	if e, ok := m.entries[msg.OfferID]; ok {
		return e, ErrDuplicate
	}

	e := &Entry{
		Offer: Offer{
			ID:                msg.OfferID,
			OffererUsername:   offerer,
			OfferedFileName:   msg.OfferedFileName,
			RecipientUsername: recipient,
			RequestedFileName: msg.RequestedFileName,
		},
		Role:           RoleRecipient,
		PeerID:         from,
		State:          Proposed,
		OfferedSize:    msg.OfferedFileSize,
		RemoteDestPath: msg.RequestedDestPath,
	}
	m.add(e)
	return e, nil
}

// Respond answers an offer this node received. Accepting loads the
// requested file in the background; the entry only becomes Accepted once
// that file has been sent to the offerer.
func (m *Machine) Respond(id string, d Decision) error {
	e, ok := m.entries[id]
	if !ok {
		return ErrOfferNotFound
	}
	if e.Role != RoleRecipient {
		return ErrNotRecipient
	}
	if e.State.Terminal() || e.Busy() {
		return ErrDuplicate
	}

	if !d.Accept {
		if err := m.send(e, &protocol.TradeDecline{OfferID: id}); err != nil {
			return err
		}
		e.State = Declined
		e.OfferedFilePath = ""
		e.RequestedFilePath = ""
		return nil
	}

	e.OfferedFilePath = d.OfferedDestPath
	e.RequestedFilePath = d.RequestedSourcePath
	if _, err := m.files.Stat(d.RequestedSourcePath); err != nil {
		return m.fail(e, fmt.Errorf("%w: %s: %v", ErrSourceFileUnreadable, d.RequestedSourcePath, err))
	}

	e.loading = true
	m.jobs.Load(id, d.RequestedSourcePath)
	return nil
}

// OnRemoteAccept handles the recipient's payment. The offerer holds the
// received bytes until its own file has been sent back, so a failure on
// this side never leaves it holding the other file.
func (m *Machine) OnRemoteAccept(from string, msg *protocol.TradeAccept) (*Entry, error) {
	e, err := m.lookup(msg.OfferID, from, RoleOfferer)
	if err != nil {
		return e, err
	}

	switch {
	case e.State == Accepted:
		m.jobs.Store(e.ID, e.RequestedFilePath, msg.FileBytes)
		return e, ErrDuplicate
	case e.State.Terminal(), e.Busy():
		return e, ErrDuplicate
	}

	if _, err := m.files.Stat(e.OfferedFilePath); err != nil {
		return e, m.fail(e, fmt.Errorf("%w: %s: %v", ErrSourceFileUnreadable, e.OfferedFilePath, err))
	}

	e.stash = msg.FileBytes
	e.loading = true
	m.jobs.Load(e.ID, e.OfferedFilePath)
	return e, nil
}

func (m *Machine) OnRemoteDecline(from string, msg *protocol.TradeDecline) (*Entry, error) {
	e, err := m.lookup(msg.OfferID, from, RoleOfferer)
	if err != nil {
		return e, err
	}
	if e.State.Terminal() {
		return e, ErrDuplicate
	}

	e.State = Declined
	e.loading = false
	e.sending = false
	e.stash = nil
	return e, nil
}

// OnDeliver stores the offerer's file once this node has accepted. Repeats
// overwrite the destination and are reported as duplicates.
func (m *Machine) OnDeliver(from string, msg *protocol.TradeDeliver) (*Entry, error) {
	e, err := m.lookup(msg.OfferID, from, RoleRecipient)
	if err != nil {
		return e, err
	}

	// the offerer only delivers after receiving our file, so a delivery
	// proves the acceptance arrived even if its send report is still queued
	if e.State == Proposed && e.sending {
		m.accept(e)
	}

	switch e.State {
	case Accepted:
	case Proposed:
		return e, fmt.Errorf("%w: %s has not been accepted", ErrOfferNotFound, e.ID)
	default:
		return e, ErrDuplicate
	}

	m.jobs.Store(e.ID, e.OfferedFilePath, msg.FileBytes)
	if e.delivers++; e.delivers > 1 {
		return e, ErrDuplicate
	}
	return e, nil
}

// OnLoaded folds a finished background load back into the trade.
func (m *Machine) OnLoaded(id string, data []byte, loadErr error) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if e.State.Terminal() || !e.loading {
		return e, ErrDuplicate
	}
	e.loading = false

	if loadErr != nil {
		return e, m.fail(e, fmt.Errorf("%w: %v", ErrSourceFileUnreadable, loadErr))
	}

	var msg protocol.Message = &protocol.TradeAccept{OfferID: id, FileBytes: data}
	if e.Role == RoleOfferer {
		msg = &protocol.TradeDeliver{OfferID: id, FileBytes: data}
	}
	if err := m.send(e, msg); err != nil {
		return e, err
	}
	e.sending = true
	return e, nil
}

// OnSent folds in the outcome of writing this node's file to the peer. The
// trade becomes Accepted only once the file is on the wire; the offerer
// stores the file it was paid with at that point.
func (m *Machine) OnSent(id string, sendErr error) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if !e.sending || e.State.Terminal() {
		return e, ErrDuplicate
	}
	e.sending = false

	if sendErr != nil {
		m.dir.OnLost(e.PeerID)
		return e, m.fail(e, fmt.Errorf("%w: %v", ErrTransportUnavailable, sendErr))
	}
	m.accept(e)
	return e, nil
}

// OnOfferUndelivered fails an offer whose TradeOffer never reached the
// recipient.
func (m *Machine) OnOfferUndelivered(id string, sendErr error) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if e.Role != RoleOfferer {
		return e, ErrNotOfferer
	}
	if e.State != Proposed || e.Busy() {
		return e, ErrDuplicate
	}
	m.dir.OnLost(e.PeerID)
	return e, m.fail(e, fmt.Errorf("%w: %v", ErrTransportUnavailable, sendErr))
}

func (m *Machine) accept(e *Entry) {
	e.State = Accepted
	e.sending = false
	if e.Role == RoleOfferer {
		m.jobs.Store(e.ID, e.RequestedFilePath, e.stash)
		e.stash = nil
	}
}

// OnStored records the outcome of writing a received file. The trade is
// already Accepted at this point; a write failure is reported on the entry
// without changing its state.
func (m *Machine) OnStored(id string, storeErr error) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if storeErr != nil {
		e.Err = fmt.Errorf("%w: %v", ErrStoreFailed, storeErr)
		return e, e.Err
	}
	e.Received = true
	e.Err = nil
	return e, nil
}

// Match finds the most recently received offer from offerer with the given
// file names that is still awaiting an answer. offerer is the username the
// offer arrived under or the offering peer's id.
func (m *Machine) Match(offerer, offeredName, requestedName string) (*Entry, error) {
	var best *Entry
	for _, e := range m.entries {
		if e.Role != RoleRecipient || e.State != Proposed || e.Busy() {
			continue
		}
		if e.OffererUsername != offerer && e.PeerID != offerer {
			continue
		}
		if e.OfferedFileName != offeredName || e.RequestedFileName != requestedName {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return nil, ErrOfferNotFound
	}
	return best, nil
}

func (m *Machine) Get(id string) (Entry, bool) {
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot in the order offers were recorded.
func (m *Machine) Entries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Machine) lookup(id, from string, role Role) (*Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if e.Role != role {
		if role == RoleOfferer {
			return e, ErrNotOfferer
		}
		return e, ErrNotRecipient
	}
	if e.PeerID != from {
		return e, ErrWrongPeer
	}
	return e, nil
}
