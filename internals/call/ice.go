package call

import "github.com/pion/webrtc/v3"

const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// ICEConfig is where clients should look for STUN/TURN. It is handed out with
// every room view and never stored on the room.
type ICEConfig struct {
	STUNURL        string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
}

// ICEServer is the browser RTCIceServer shape.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Servers always includes a STUN entry. TURN is added only when URL,
// username and credential are all configured.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	stun := c.STUNURL
	if stun == "" {
		stun = DefaultSTUNURL
	}
	servers := []webrtc.ICEServer{{URLs: []string{stun}}}

	if c.TURNURL != "" && c.TURNUsername != "" && c.TURNCredential != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{c.TURNURL},
			Username:       c.TURNUsername,
			Credential:     c.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// toWire drops pion's credentialType, which browsers do not expect.
func toWire(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		ws := ICEServer{URLs: s.URLs, Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			ws.Credential = cred
		}
		out = append(out, ws)
	}
	return out
}
