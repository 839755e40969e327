package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/pion/turn/v3"
)

// TURNServer is an embedded UDP TURN server with one static credential.
type TURNServer struct {
	server   *turn.Server
	port     int
	username string
	password string
}

// StartTURN listens on udp4 port and relays through publicIP (the local
// outbound address when empty).
func StartTURN(port int, realm, publicIP string) (*TURNServer, error) {
	relayIP := net.ParseIP(publicIP)
	if relayIP == nil {
		relayIP = localIP()
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	username := "globalconnect"
	password, err := randomSecret()
	if err != nil {
		_ = udpListener.Close()
		return nil, err
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(username, password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = udpListener.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	log.Info("TURN server on udp/%d relaying via %s", port, relayIP)
	return &TURNServer{server: s, port: port, username: username, password: password}, nil
}

// Port returns the UDP port the server listens on.
func (ts *TURNServer) Port() int { return ts.port }

// Credentials returns the username and password clients authenticate with.
func (ts *TURNServer) Credentials() (username, password string) {
	return ts.username, ts.password
}

func (ts *TURNServer) Close() error {
	if ts.server != nil {
		return ts.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, expectedPassword string) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, expectedPassword), true
		}
		return nil, false
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate TURN secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// localIP returns the address of the interface used for outbound traffic.
func localIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
