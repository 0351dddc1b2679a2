package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "ICE_SERVERS_JSON"
	envStunURLs       = "STUN_URLS"
)

// ICEServers resolves the ICE server list advertised to peer clients.
//
// The relay itself never talks to these servers; it only hands the list to the
// embedding client so browsers and Go peers agree on STUN/TURN configuration.
func ICEServers(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if lookup == nil {
		return nil, nil
	}

	if raw, ok := lookup(envICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	raw, ok := lookup(envStunURLs)
	if !ok {
		return nil, nil
	}
	urls := splitCommaSeparated(raw)
	if len(urls) == 0 {
		return nil, nil
	}
	server := webrtc.ICEServer{URLs: urls}
	if err := validateICEServer(server); err != nil {
		return nil, fmt.Errorf("%s: %w", envStunURLs, err)
	}
	return []webrtc.ICEServer{server}, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
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

// ParseICEServersJSON parses a browser-style iceServers JSON array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}

		pcServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}

		if err := validateICEServer(pcServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return fmt.Errorf("missing urls")
	}
	for _, raw := range server.URLs {
		lower := strings.ToLower(raw)
		switch {
		case strings.HasPrefix(lower, "stun:"), strings.HasPrefix(lower, "stuns:"):
		case strings.HasPrefix(lower, "turn:"), strings.HasPrefix(lower, "turns:"):
			if server.Username == "" || server.Credential == nil {
				return fmt.Errorf("turn url %q requires username and credential", raw)
			}
		default:
			return fmt.Errorf("unsupported ice url %q", raw)
		}
	}
	return nil
}
