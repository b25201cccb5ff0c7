package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"

	ma "github.com/multiformats/go-multiaddr"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Storage  Storage  `json:"storage"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Bootstrap peers dialed at startup, as multiaddrs with a /p2p/ component.
	Bootstrap []string `json:"bootstrap"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// STUN at minimum; TURN entries need username and credential.
	ICEServers []ICEServer `json:"ice_servers"`

	Video bool `json:"video"`
	Audio bool `json:"audio"`

	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	VideoBitrate int `json:"video_bitrate"`

	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`

	// ICE agent timers (seconds). A brief relay/NAT hiccup should not end a call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveSec           int `json:"keepalive_seconds"`
}

type Storage struct {
	DBFile string `json:"db_file"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "goop-mdns",
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:global.stun.twilio.com:3478"}},
			},
			Video:                  true,
			Audio:                  true,
			MaxWidth:               640,
			MaxHeight:              480,
			VideoBitrate:           1_500_000,
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveSec:           2,
		},
		Storage: Storage{
			DBFile: "data/calls.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, addr := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("p2p.bootstrap: %q: %w", addr, err)
		}
	}

	// Call
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers needs at least one STUN server")
	}
	for i, s := range c.Call.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("call.ice_servers[%d]: %w", i, err)
		}
	}
	if !c.Call.Video && !c.Call.Audio {
		return errors.New("call.video and call.audio cannot both be disabled")
	}
	if c.Call.MaxWidth < 0 || c.Call.MaxHeight < 0 {
		return errors.New("call.max_width and call.max_height must be >= 0")
	}
	if c.Call.VideoBitrate < 0 {
		return errors.New("call.video_bitrate must be >= 0")
	}
	if c.Call.DisconnectedTimeoutSec <= 0 || c.Call.FailedTimeoutSec <= 0 || c.Call.KeepAliveSec <= 0 {
		return errors.New("call ICE timeouts must be > 0")
	}
	if c.Call.FailedTimeoutSec < c.Call.DisconnectedTimeoutSec {
		return errors.New("call.failed_timeout_seconds must be >= call.disconnected_timeout_seconds")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBFile) == "" {
		return errors.New("storage.db_file is required")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}

func validateICEServer(s ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("urls is empty")
	}
	for _, u := range s.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("invalid url %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			if s.Username == "" || s.Credential == "" {
				return fmt.Errorf("%q requires username and credential", u)
			}
		default:
			return fmt.Errorf("unsupported scheme in %q", u)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
