package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig はクライアントに配布するICEサーバーの設定です
// ServersJSONが指定されている場合は個別の項目より優先されます
type ICEConfig struct {
	ServersJSON    string   `yaml:"servers_json"`    // RTCIceServer形式のJSON配列
	STUNURLs       []string `yaml:"stun_urls"`       // stun: / stuns: のURL
	TURNURLs       []string `yaml:"turn_urls"`       // turn: / turns: のURL
	TURNUsername   string   `yaml:"turn_username"`   // TURNのユーザー名
	TURNCredential string   `yaml:"turn_credential"` // TURNのクレデンシャル
}

// Servers は設定からICEサーバー一覧を組み立てて検証します
// 何も設定されていない場合は空の一覧を返します
func (c ICEConfig) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(c.ServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("ice servers json: %w", err)
		}
		return servers, nil
	}

	servers := []webrtc.ICEServer{}
	if stun := trimAll(c.STUNURLs); len(stun) > 0 {
		s := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("stun urls: %w", err)
		}
		servers = append(servers, s)
	}
	if turn := trimAll(c.TURNURLs); len(turn) > 0 {
		user := strings.TrimSpace(c.TURNUsername)
		cred := strings.TrimSpace(c.TURNCredential)
		if user == "" || cred == "" {
			return nil, errors.New("turn username and credential must both be set when turn urls are set")
		}
		s := webrtc.ICEServer{URLs: turn, Username: user, Credential: cred}
		if err := validateICEServer(s); err != nil {
			return nil, fmt.Errorf("turn urls: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrSlice `json:"urls"`
	Username   string        `json:"username,omitempty"`
	Credential string        `json:"credential,omitempty"`
}

// stringOrSlice は "urls" が文字列でも配列でも受け付けます
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON はRTCIceServer形式のJSON配列を解析します
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var in []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(in))
	for i, s := range in {
		server := webrtc.ICEServer{
			URLs:     trimAll(s.URLs),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func validateICEServer(s webrtc.ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, url := range s.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if needsCreds {
		if s.Username == "" {
			return errors.New("turn urls require username")
		}
		if cred, ok := s.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
