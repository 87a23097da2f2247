package domain

// MediaState mirrors the peer connection state reported by a media transport.
type MediaState string

const (
	MediaStateNew          MediaState = "new"
	MediaStateConnecting   MediaState = "connecting"
	MediaStateConnected    MediaState = "connected"
	MediaStateDisconnected MediaState = "disconnected"
	MediaStateFailed       MediaState = "failed"
	MediaStateClosed       MediaState = "closed"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
