package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/peer-trade/internal/protocol"
	"github.com/rudransh-shrivastava/peer-trade/internal/transport"
)

var errNotReady = errors.New("data channel not ready")

// connection carries length-prefixed frames over one ordered, reliable
// data channel. Frames are split into chunks of at most maxChunkSize on
// send and reassembled through a pipe on receive.
type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	signaler    transport.Signaler
	isInitiator bool

	mu sync.Mutex
	dc *webrtc.DataChannel

	sendMu sync.Mutex
	recv   chan []byte
	pr     *io.PipeReader
	pw     *io.PipeWriter

	opened    chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once

	onOpen  func()
	onClose func()
}

func newConnection(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, isInitiator bool) *connection {
	pr, pw := io.Pipe()
	conn := &connection{
		peerID:      peerID,
		pc:          pc,
		signaler:    signaler,
		isInitiator: isInitiator,
		recv:        make(chan []byte, 64),
		pr:          pr,
		pw:          pw,
		opened:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go conn.Close()
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	go conn.readLoop()

	return conn
}

func (c *connection) createDataChannel() error {
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, DefaultDataChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
		if c.onOpen != nil {
			c.onOpen()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if _, err := c.pw.Write(msg.Data); err != nil {
			go c.Close()
		}
	})

	dc.OnClose(func() {
		go c.Close()
	})
}

func (c *connection) readLoop() {
	defer close(c.recv)

	for {
		data, err := protocol.ReadFrame(c.pr)
		if err != nil {
			return
		}
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

// waitOpen blocks until the data channel opens, the connection closes or
// ctx ends.
func (c *connection) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSignal applies a remote description. The responder answers only
// after ICE gathering completes so the answer carries every candidate.
func (c *connection) handleSignal(ctx context.Context, payload []byte) error {
	sdp := string(payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc.RemoteDescription() != nil {
		return nil
	}

	desc := webrtc.SessionDescription{SDP: sdp}
	if c.isInitiator {
		desc.Type = webrtc.SDPTypeAnswer
	} else {
		desc.Type = webrtc.SDPTypeOffer
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	if c.isInitiator {
		return nil
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.signaler.SendSignal(ctx, c.peerID, []byte(c.pc.LocalDescription().SDP)); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

func (c *connection) PeerID() string {
	return c.peerID
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errNotReady
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteFrame(chunkWriter{dc: dc}, data)
}

func (c *connection) Recv() <-chan []byte {
	return c.recv
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.pw.Close()

		c.mu.Lock()
		dc := c.dc
		c.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		err = c.pc.Close()

		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

type chunkWriter struct {
	dc *webrtc.DataChannel
}

func (w chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + maxChunkSize
		if end > len(p) {
			end = len(p)
		}
		if err := w.dc.Send(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}
