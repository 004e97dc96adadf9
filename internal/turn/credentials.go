package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long minted TURN credentials stay valid.
const DefaultTTL = 86400 * time.Second

// Public STUN servers appended to every ICE server set.
var stunURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEServer matches the RTCIceServer dictionary handed to WebRTC endpoints.
type ICEServer struct {
	URLs           []string `json:"urls"`
	Username       string   `json:"username,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	CredentialType string   `json:"credentialType,omitempty"`
}

// Minter derives short-lived TURN REST credentials from a shared secret,
// per draft-uberti-behave-turn-rest-00. Two host variants exist: Host is
// the internal hostname handed to device agents, PublicHost is what
// browsers can actually reach.
type Minter struct {
	Host       string
	PublicHost string
	Port       int
	TTL        time.Duration

	// mu guards secret: the config watcher rotates it while the router
	// mints concurrently.
	mu     sync.RWMutex
	secret []byte

	// now is overridable in tests.
	now func() time.Time
}

func NewMinter(host, publicHost string, port int, secret string) *Minter {
	return &Minter{
		Host:       host,
		PublicHost: publicHost,
		Port:       port,
		TTL:        DefaultTTL,
		secret:     []byte(secret),
		now:        time.Now,
	}
}

// SetSecret swaps the shared secret. Used by the config watcher on rotation.
func (m *Minter) SetSecret(secret string) {
	m.mu.Lock()
	m.secret = []byte(secret)
	m.mu.Unlock()
}

// Credentials mints a time-limited username/credential pair for principal.
// Username is "{unix_expiry}:{principal}"; credential is
// base64(HMAC-SHA1(secret, username)).
func (m *Minter) Credentials(principal string, usePublicHost bool) ICEServer {
	host := m.Host
	if usePublicHost {
		host = m.PublicHost
	}

	expiry := m.now().Unix() + int64(m.TTL/time.Second)
	username := fmt.Sprintf("%d:%s", expiry, principal)

	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return ICEServer{
		URLs: []string{
			fmt.Sprintf("turn:%s:%d?transport=udp", host, m.Port),
			fmt.Sprintf("turn:%s:%d?transport=tcp", host, m.Port),
		},
		Username:       username,
		Credential:     credential,
		CredentialType: "password",
	}
}

// ICEServers returns the full ICE configuration for principal: the public
// STUN servers followed by a freshly minted TURN entry.
func (m *Minter) ICEServers(principal string, usePublicHost bool) []ICEServer {
	servers := []ICEServer{
		{URLs: []string{stunURLs[0]}},
		{URLs: []string{stunURLs[1]}},
	}
	return append(servers, m.Credentials(principal, usePublicHost))
}
