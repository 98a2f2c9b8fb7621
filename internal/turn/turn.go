// Package turn runs the optional embedded TURN/STUN server handed to clients
// as their ICE server configuration.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

const defaultUsername = "pinroom"

type Options struct {
	Port  int
	Realm string
	// PublicIP is the relay address announced to peers. Detected when empty.
	PublicIP string
	// KeysDir stores the generated credentials.
	KeysDir string
	Logger  *slog.Logger
}

type Server struct {
	server *turn.Server
	port   int
	creds  Credentials
	logger *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// ICEServer is one entry of RTCConfiguration.iceServers.
type ICEServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func Start(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}
	port := udpListener.LocalAddr().(*net.UDPAddr).Port

	creds := loadOrGenerateCredentials(opts.KeysDir, logger)

	publicIP := net.ParseIP(opts.PublicIP)
	if publicIP == nil {
		publicIP = getPublicIP(logger)
	}
	if publicIP == nil {
		logger.Warn("could not determine public IP, using local IP detection")
		publicIP = getLocalIP(logger)
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       opts.Realm,
		AuthHandler: simpleAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: publicIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = udpListener.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("turn server started", "port", port, "realm", opts.Realm, "relay_ip", publicIP.String())
	return &Server{server: s, port: port, creds: creds, logger: logger}, nil
}

func (s *Server) Port() int { return s.port }

func (s *Server) Credentials() Credentials { return s.creds }

// ICEServers lists the STUN and TURN entries for clients reaching the
// service at host. The TURN listener is UDP only, so no turns: entry.
func (s *Server) ICEServers(host string) []ICEServer {
	return []ICEServer{
		{URLs: fmt.Sprintf("stun:%s:%d", host, s.port)},
		{
			URLs:       fmt.Sprintf("turn:%s:%d", host, s.port),
			Username:   s.creds.Username,
			Credential: s.creds.Password,
		},
	}
}

func (s *Server) Close() error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Close()
}

func loadOrGenerateCredentials(keysDir string, logger *slog.Logger) Credentials {
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}
		}
	}

	creds := Credentials{Username: defaultUsername, Password: generatePassword()}

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		logger.Warn("failed to create keys directory", "dir", keysDir, "error", err)
		return creds
	}
	if err := os.WriteFile(usernameFile, []byte(creds.Username), 0600); err != nil {
		logger.Warn("failed to save TURN username", "error", err)
		return creds
	}
	if err := os.WriteFile(passwordFile, []byte(creds.Password), 0600); err != nil {
		logger.Warn("failed to save TURN password", "error", err)
		return creds
	}
	logger.Info("turn credentials saved", "dir", keysDir)
	return creds
}

func simpleAuthHandler(expectedUsername, expectedPassword string) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, expectedPassword), true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// getPublicIP asks ipify.org for the public address.
func getPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Error("failed to get public IP from ipify.org", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("ipify.org returned unexpected status", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		logger.Error("failed to read response from ipify.org", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("invalid IP address from ipify.org", "body", string(body))
		return nil
	}
	return ip
}

func getLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("failed to determine local IP", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}
