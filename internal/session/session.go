// Package session implements the ClubLink session/connection state machine.
//
// The machine owns session identity, channel binding, the two-leg mobile
// handshake, credential persistence, and the refresh-failure budget. The
// transport, the store, and the refresh engine are injected collaborators.
package session

import "strings"

// State is the machine's lifecycle state.
type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateAwaitingHandshake State = "awaiting_handshake"
	StateAuthorizing       State = "authorizing"
	StateConnected         State = "connected"
	StateDisconnected      State = "disconnected"

	// StateFailed is entered when the transport reports permanent failure.
	// Stored credentials are kept so a manual connect can resume.
	StateFailed State = "failed"
)

// Handshake events on the session channel (wire-stable, mobile-app contract).
const (
	// EventPeerConnect is leg A: the mobile app announces identity.
	EventPeerConnect = "peer-connect"

	// EventSendAuthorization is leg B: the mobile app delivers credentials.
	EventSendAuthorization = "send-authorization"

	// EventSendUnauthorization signals a remote-initiated disconnect.
	EventSendUnauthorization = "send-unauthorization"

	// EventAuthorizationRequest is triggered by the SDK on the user channel.
	EventAuthorizationRequest = "authorization-request"
)

// Derivations from the session id and identity handle (wire-stable).
const (
	qrPrefix          = "hc:"
	sessionChanPrefix = "private-hc-"
	userChanPrefix    = "private-user-"
)

// QRPayload derives the QR-encoded session handle.
func QRPayload(sessionID string) string { return qrPrefix + sessionID }

// SessionChannelName derives the session channel name.
func SessionChannelName(sessionID string) string { return sessionChanPrefix + sessionID }

// UserChannelName derives the user-specific private channel name.
func UserChannelName(address string) string { return userChanPrefix + address }

// Profile is the authenticated identity. AccessToken non-empty implies
// Address non-empty; leg B enforces that before anything is applied.
type Profile struct {
	Address      string
	Signature    string
	AccessToken  string
	RefreshToken string
	ClubID       string
	ClubName     string
}

func (p Profile) connected() bool {
	return p.Address != "" && p.AccessToken != ""
}

// peerConnectPayload is leg A's wire payload.
type peerConnectPayload struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// authorizationPayload is leg B's wire payload.
type authorizationPayload struct {
	Address      string `json:"address"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ClubID       string `json:"clubId"`
	ClubName     string `json:"clubName"`
}

// authorizationRequestPayload is sent site->mobile on the user channel.
type authorizationRequestPayload struct {
	Signature string  `json:"signature"`
	Channel   string  `json:"channel"`
	Domain    string  `json:"domain"`
	Name      string  `json:"name"`
	OrgHash   *string `json:"orgHash"`
}

// storageKeys namespaces the persisted fields.
type storageKeys struct {
	ns string
}

func newStorageKeys(ns string) storageKeys {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		ns = "clublink:"
	}
	return storageKeys{ns: ns}
}

func (k storageKeys) sessionID() string    { return k.ns + "session_id" }
func (k storageKeys) accessToken() string  { return k.ns + "access_token" }
func (k storageKeys) refreshToken() string { return k.ns + "refresh_token" }
func (k storageKeys) address() string      { return k.ns + "address" }
func (k storageKeys) signature() string    { return k.ns + "signature" }
func (k storageKeys) clubID() string       { return k.ns + "club_id" }
func (k storageKeys) clubName() string     { return k.ns + "club_name" }

func (k storageKeys) all() []string {
	return []string{
		k.sessionID(), k.accessToken(), k.refreshToken(),
		k.address(), k.signature(), k.clubID(), k.clubName(),
	}
}
