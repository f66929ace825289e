// Package config loads supeer's configuration directory.
//
// The directory holds two optional files, settings and rtc, each in one of
// the formats .json, .jsonc, .yaml or .yml (looked up in that order). JSON
// files may carry comments and trailing commas. Missing files, or a missing
// directory, leave the defaults in place; fields absent from a file keep
// their default value.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/supeer/internal/buffered"
	"github.com/1ureka/supeer/internal/peer"
)

// DefaultDir is used when no directory is given.
const DefaultDir = "config"

// Config is the merged content of a configuration directory.
type Config struct {
	Settings Settings
	RTC      RTC
}

// Settings tune framing, lobbies and proxies.
type Settings struct {
	// ChunkSize is the largest payload per frame.
	ChunkSize int `json:"chunkSize" yaml:"chunkSize"`
	// Codec is "json" or "cbor".
	Codec string `json:"codec" yaml:"codec"`
	// Compression is empty, "none", "zstd" or "lz4".
	Compression string `json:"compression" yaml:"compression"`

	Lobby LobbySettings `json:"lobby" yaml:"lobby"`
	Proxy ProxySettings `json:"proxy" yaml:"proxy"`
}

type LobbySettings struct {
	RetryInterval Duration `json:"retryInterval" yaml:"retryInterval"`
	// Timeout of zero disables the join timeout.
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

type ProxySettings struct {
	// IPv4 skips external address discovery when set.
	IPv4 string `json:"ipv4" yaml:"ipv4"`
	// IPv4API lists plain-text "what is my IP" endpoints.
	IPv4API     []string `json:"ipv4api" yaml:"ipv4api"`
	ListenHost  string   `json:"listenHost" yaml:"listenHost"`
	DialTimeout Duration `json:"dialTimeout" yaml:"dialTimeout"`
}

// RTC configures peer connections.
type RTC struct {
	ICEServers      []ICEServer `json:"iceServers" yaml:"iceServers"`
	IncludeLoopback bool        `json:"includeLoopback" yaml:"includeLoopback"`
}

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Settings: Settings{
			ChunkSize: buffered.DefaultChunkSize,
			Codec:     "json",
			Lobby: LobbySettings{
				RetryInterval: Duration(2 * time.Second),
				Timeout:       Duration(60 * time.Second),
			},
			Proxy: ProxySettings{
				IPv4API:     []string{"https://api.ipify.org", "https://ipv4.icanhazip.com"},
				ListenHost:  "127.0.0.1",
				DialTimeout: Duration(10 * time.Second),
			},
		},
		RTC: RTC{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
			},
		},
	}
}

var extensions = []string{".json", ".jsonc", ".yaml", ".yml"}

// Load reads dir over the defaults and validates the result.
func Load(dir string) (Config, error) {
	if dir == "" {
		dir = DefaultDir
	}
	cfg := Default()

	// Decoding a JSON array into a populated slice merges into its
	// elements, so default lists are only restored when none are set.
	apis := cfg.Settings.Proxy.IPv4API
	cfg.Settings.Proxy.IPv4API = nil
	if err := loadFile(dir, "settings", &cfg.Settings); err != nil {
		return Config{}, err
	}
	if cfg.Settings.Proxy.IPv4API == nil {
		cfg.Settings.Proxy.IPv4API = apis
	}

	servers := cfg.RTC.ICEServers
	cfg.RTC.ICEServers = nil
	if err := loadFile(dir, "rtc", &cfg.RTC); err != nil {
		return Config{}, err
	}
	if cfg.RTC.ICEServers == nil {
		cfg.RTC.ICEServers = servers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes the first existing dir/name.<ext> into v.
func loadFile(dir, name string, v any) error {
	for _, ext := range extensions {
		path := filepath.Join(dir, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		switch ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, v)
		default:
			// Strip comments and trailing commas before parsing as standard JSON.
			err = json.Unmarshal(jsonc.ToJSON(data), v)
		}
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	s := c.Settings

	if s.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunkSize must be at least 1, got %d", s.ChunkSize))
	}
	if _, err := buffered.CodecByName(s.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	if _, err := buffered.CompressorByName(s.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if s.Lobby.RetryInterval <= 0 {
		errs = append(errs, errors.New("lobby.retryInterval must be positive"))
	}
	if s.Lobby.Timeout < 0 {
		errs = append(errs, errors.New("lobby.timeout must not be negative"))
	}
	if s.Proxy.IPv4 != "" && !isIPv4(s.Proxy.IPv4) {
		errs = append(errs, fmt.Errorf("proxy.ipv4 %q is not an IPv4 address", s.Proxy.IPv4))
	}
	for i, srv := range c.RTC.ICEServers {
		if len(srv.URLs) == 0 {
			errs = append(errs, fmt.Errorf("iceServers[%d] has no urls", i))
		}
	}
	return errors.Join(errs...)
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && strings.Count(s, ".") == 3
}

// Writer returns the frame writer described by the settings.
func (c Config) Writer() (buffered.Writer, error) {
	codec, err := buffered.CodecByName(c.Settings.Codec)
	if err != nil {
		return buffered.Writer{}, err
	}
	compressor, err := buffered.CompressorByName(c.Settings.Compression)
	if err != nil {
		return buffered.Writer{}, err
	}
	return buffered.Writer{Codec: codec, Compressor: compressor, ChunkSize: c.Settings.ChunkSize}, nil
}

// Peer returns the peer configuration described by rtc and settings.
func (c Config) Peer() (peer.Config, error) {
	writer, err := c.Writer()
	if err != nil {
		return peer.Config{}, err
	}
	servers := make([]webrtc.ICEServer, 0, len(c.RTC.ICEServers))
	for _, s := range c.RTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return peer.Config{
		ICEServers:      servers,
		IncludeLoopback: c.RTC.IncludeLoopback,
		Writer:          writer,
	}, nil
}
