package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	wsrpc "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/devices"
)

// ion-sfu signal targets.
const (
	targetPublisher  = 0
	targetSubscriber = 1
)

type joinParams struct {
	SID   string                    `json:"sid"`
	UID   string                    `json:"uid"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type negotiation struct {
	Desc webrtc.SessionDescription `json:"desc"`
}

type trickle struct {
	Target    int                     `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// SFUDialer connects to an ion-sfu compatible JSON-RPC endpoint with one
// publisher and one subscriber peer connection.
type SFUDialer struct {
	ICEServers    []string
	CodecSelector *mediadevices.CodecSelector
	Logger        *zap.Logger
}

func (d *SFUDialer) api(degraded bool) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if d.CodecSelector != nil {
		d.CodecSelector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if degraded {
		// Sender/receiver reports only; no NACK, TWCC or simulcast headers.
		if err := webrtc.ConfigureRTCPReports(registry); err != nil {
			return nil, fmt.Errorf("failed to configure RTCP reports: %w", err)
		}
	} else {
		mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
		mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, fmt.Errorf("failed to register interceptors: %w", err)
		}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected
		10*time.Second, // failed
		2*time.Second,  // keep-alive
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// Dial returns once the publisher peer connection is connected.
func (d *SFUDialer) Dial(ctx context.Context, cred Credential, opts Options) (Room, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	api, err := d.api(opts.Degraded)
	if err != nil {
		return nil, err
	}
	pcConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: d.ICEServers}},
	}

	header := http.Header{}
	if cred.Token != "" {
		header.Set("Authorization", "Bearer "+cred.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cred.URL, header)
	if err != nil {
		return nil, fmt.Errorf("signal websocket: %w", err)
	}

	r := &sfuRoom{
		id:        cred.RoomID,
		identity:  opts.Identity,
		degraded:  opts.Degraded,
		logger:    logger.With(zap.String("room", cred.RoomID)),
		state:     StateConnecting,
		senders:   make(map[string][]*webrtc.RTPSender),
		streams:   make(map[string]bool),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}

	if r.pub, err = api.NewPeerConnection(pcConfig); err != nil {
		ws.Close()
		return nil, fmt.Errorf("publisher peer connection: %w", err)
	}
	if r.sub, err = api.NewPeerConnection(pcConfig); err != nil {
		r.pub.Close()
		ws.Close()
		return nil, fmt.Errorf("subscriber peer connection: %w", err)
	}

	// The rpc connection must exist before any callback can trickle.
	r.rpc = jsonrpc2.NewConn(context.Background(), wsrpc.NewObjectStream(ws), jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(r.handle)))
	r.setupCallbacks()

	if err := r.join(ctx); err != nil {
		_ = r.Disconnect()
		return nil, err
	}

	select {
	case <-r.connected:
		return r, nil
	case <-r.failed:
		_ = r.Disconnect()
		return nil, errors.New("publisher peer connection failed")
	case <-r.rpc.DisconnectNotify():
		_ = r.Disconnect()
		return nil, errors.New("signal connection closed during join")
	case <-ctx.Done():
		_ = r.Disconnect()
		return nil, ctx.Err()
	}
}

type sfuRoom struct {
	id       string
	identity string
	degraded bool
	logger   *zap.Logger

	pub *webrtc.PeerConnection
	sub *webrtc.PeerConnection
	rpc *jsonrpc2.Conn

	negMu sync.Mutex

	mu        sync.Mutex
	state     ConnectionState
	closed    bool
	senders   map[string][]*webrtc.RTPSender
	remote    []RemoteAudio
	streams   map[string]bool
	pending   [2][]webrtc.ICECandidateInit
	remoteSet [2]bool
	onState   func(ConnectionState)
	onUnpub   func(string)
	onPart    func(string, bool)
	onAudio   func(RemoteAudio)
	connOnce  sync.Once
	failOnce  sync.Once
	connected chan struct{}
	failed    chan struct{}
}

func (r *sfuRoom) setupCallbacks() {
	r.pub.OnICECandidate(func(c *webrtc.ICECandidate) { r.trickle(targetPublisher, c) })
	r.sub.OnICECandidate(func(c *webrtc.ICECandidate) { r.trickle(targetSubscriber, c) })

	r.pub.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.logger.Debug("Publisher connection state", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			r.connOnce.Do(func() { close(r.connected) })
			r.setState(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			r.setState(StateReconnecting)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			r.failOnce.Do(func() { close(r.failed) })
			r.setState(StateDisconnected)
		}
	})

	r.sub.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.logger.Info("Remote track",
			zap.String("track", track.ID()),
			zap.String("stream", track.StreamID()),
			zap.String("kind", track.Kind().String()))

		r.mu.Lock()
		newStream := !r.streams[track.StreamID()]
		r.streams[track.StreamID()] = true
		var onAudio func(RemoteAudio)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			r.remote = append(r.remote, track)
			onAudio = r.onAudio
		}
		onPart := r.onPart
		closed := r.closed
		r.mu.Unlock()

		if closed {
			return
		}
		if newStream && onPart != nil {
			onPart(track.StreamID(), true)
		}
		if onAudio != nil {
			onAudio(track)
		}
	})

	go func() {
		<-r.rpc.DisconnectNotify()
		r.setState(StateDisconnected)
	}()
}

func (r *sfuRoom) setState(s ConnectionState) {
	r.mu.Lock()
	if r.closed || r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *sfuRoom) join(ctx context.Context) error {
	// ion-sfu expects an offer with at least one m-line before any media.
	if _, err := r.pub.CreateDataChannel("ion-sfu", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}

	r.negMu.Lock()
	defer r.negMu.Unlock()

	offer, err := r.pub.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := r.pub.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	var answer webrtc.SessionDescription
	if err := r.rpc.Call(ctx, "join", joinParams{SID: r.id, UID: r.identity, Offer: offer}, &answer); err != nil {
		return fmt.Errorf("join %s: %w", r.id, err)
	}
	return r.setRemote(targetPublisher, answer)
}

// renegotiate sends a fresh publisher offer after tracks were added or removed.
func (r *sfuRoom) renegotiate(ctx context.Context) error {
	r.negMu.Lock()
	defer r.negMu.Unlock()

	offer, err := r.pub.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := r.pub.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	var answer webrtc.SessionDescription
	if err := r.rpc.Call(ctx, "offer", negotiation{Desc: offer}, &answer); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	return r.setRemote(targetPublisher, answer)
}

func (r *sfuRoom) pc(target int) *webrtc.PeerConnection {
	if target == targetSubscriber {
		return r.sub
	}
	return r.pub
}

func (r *sfuRoom) setRemote(target int, desc webrtc.SessionDescription) error {
	if err := r.pc(target).SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	r.mu.Lock()
	r.remoteSet[target] = true
	pending := r.pending[target]
	r.pending[target] = nil
	r.mu.Unlock()

	for _, c := range pending {
		if err := r.pc(target).AddICECandidate(c); err != nil {
			r.logger.Warn("Buffered ICE candidate rejected", zap.Int("target", target), zap.Error(err))
		}
	}
	return nil
}

func (r *sfuRoom) trickle(target int, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	err := r.rpc.Notify(context.Background(), "trickle", trickle{Target: target, Candidate: c.ToJSON()})
	if err != nil {
		r.logger.Warn("Failed to send ICE candidate", zap.Int("target", target), zap.Error(err))
	}
}

// handle serves notifications pushed by the SFU.
func (r *sfuRoom) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	if req.Params == nil {
		return nil, fmt.Errorf("%s: missing params", req.Method)
	}
	switch req.Method {
	case "offer":
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(*req.Params, &offer); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		if err := r.answer(ctx, offer); err != nil {
			r.logger.Warn("Subscriber negotiation failed", zap.Error(err))
			return nil, err
		}
		return nil, nil

	case "trickle":
		var t trickle
		if err := json.Unmarshal(*req.Params, &t); err != nil {
			return nil, fmt.Errorf("decode trickle: %w", err)
		}
		if t.Target != targetPublisher && t.Target != targetSubscriber {
			return nil, fmt.Errorf("unknown trickle target %d", t.Target)
		}
		r.mu.Lock()
		if !r.remoteSet[t.Target] {
			r.pending[t.Target] = append(r.pending[t.Target], t.Candidate)
			r.mu.Unlock()
			return nil, nil
		}
		r.mu.Unlock()
		return nil, r.pc(t.Target).AddICECandidate(t.Candidate)
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
}

func (r *sfuRoom) answer(ctx context.Context, offer webrtc.SessionDescription) error {
	if err := r.setRemote(targetSubscriber, offer); err != nil {
		return err
	}
	answer, err := r.sub.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := r.sub.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	r.reapParticipants()
	return r.rpc.Notify(ctx, "answer", negotiation{Desc: answer})
}

// reapParticipants reports streams whose receivers were all removed by the
// last subscriber offer.
func (r *sfuRoom) reapParticipants() {
	live := make(map[string]bool)
	for _, tr := range r.sub.GetTransceivers() {
		if tr.Direction() == webrtc.RTPTransceiverDirectionInactive || tr.Receiver() == nil {
			continue
		}
		if t := tr.Receiver().Track(); t != nil {
			live[t.StreamID()] = true
		}
	}

	r.mu.Lock()
	var gone []string
	for id := range r.streams {
		if !live[id] {
			gone = append(gone, id)
			delete(r.streams, id)
		}
	}
	onPart := r.onPart
	r.mu.Unlock()

	if onPart == nil {
		return
	}
	for _, id := range gone {
		onPart(id, false)
	}
}

func (r *sfuRoom) ID() string { return r.id }

func (r *sfuRoom) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *sfuRoom) Publish(ctx context.Context, track devices.Track) error {
	lm, ok := track.(LocalMedia)
	if !ok {
		return fmt.Errorf("track %T cannot be sent over WebRTC", track)
	}

	var added []*webrtc.RTPSender
	for _, tl := range lm.LocalTracks(r.degraded) {
		sender, err := r.pub.AddTrack(tl)
		if err != nil {
			for _, s := range added {
				_ = r.pub.RemoveTrack(s)
			}
			return fmt.Errorf("add %s track: %w", tl.Kind(), err)
		}
		added = append(added, sender)
	}

	r.mu.Lock()
	r.senders[track.ID()] = added
	r.mu.Unlock()

	for _, s := range added {
		go r.readRTCP(track.ID(), s)
	}
	return r.renegotiate(ctx)
}

// readRTCP drains sender RTCP so interceptors see receiver feedback. The loop
// ends when the sender stops; if that was not a deliberate unpublish the
// track-unpublished listener fires.
func (r *sfuRoom) readRTCP(trackID string, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			break
		}
	}

	r.mu.Lock()
	_, stillPublished := r.senders[trackID]
	fn := r.onUnpub
	closed := r.closed
	if stillPublished {
		delete(r.senders, trackID)
	}
	r.mu.Unlock()

	if stillPublished && !closed && fn != nil {
		r.logger.Warn("Local track stopped sending", zap.String("track", trackID))
		fn(trackID)
	}
}

func (r *sfuRoom) Unpublish(track devices.Track) error {
	r.mu.Lock()
	senders := r.senders[track.ID()]
	delete(r.senders, track.ID())
	closed := r.closed
	r.mu.Unlock()

	if len(senders) == 0 || closed {
		return nil
	}
	var errs []error
	for _, s := range senders {
		if err := r.pub.RemoveTrack(s); err != nil {
			errs = append(errs, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.renegotiate(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *sfuRoom) Publications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, senders := range r.senders {
		for _, s := range senders {
			if s.Track() != nil {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

func (r *sfuRoom) RemoteAudio() []RemoteAudio {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteAudio, len(r.remote))
	copy(out, r.remote)
	return out
}

func (r *sfuRoom) OnStateChange(fn func(ConnectionState)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

func (r *sfuRoom) OnTrackUnpublished(fn func(string)) {
	r.mu.Lock()
	r.onUnpub = fn
	r.mu.Unlock()
}

func (r *sfuRoom) OnParticipant(fn func(string, bool)) {
	r.mu.Lock()
	r.onPart = fn
	r.mu.Unlock()
}

func (r *sfuRoom) OnRemoteAudio(fn func(RemoteAudio)) {
	r.mu.Lock()
	r.onAudio = fn
	r.mu.Unlock()
}

func (r *sfuRoom) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.state = StateDisconnected
	r.mu.Unlock()

	var errs []error
	if err := r.rpc.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		errs = append(errs, fmt.Errorf("close signal: %w", err))
	}
	if err := r.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := r.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	r.logger.Info("Room disconnected")
	return errors.Join(errs...)
}
