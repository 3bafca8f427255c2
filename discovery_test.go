package activedirectory

import (
	"context"
	"testing"
	"time"
)

func TestDiscoverServers(t *testing.T) {
	discovery := newSRVDiscovery(NewNopLogger())

	t.Run("empty domain", func(t *testing.T) {
		_, err := discovery.DiscoverServers(context.Background(), "")
		if err == nil {
			t.Fatal("DiscoverServers() expected error for empty domain")
		}
	})

	t.Run("unresolvable domain falls back to standard ports", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		servers, err := discovery.DiscoverServers(ctx, "nonexistent.invalid.domain.test")
		if err != nil {
			t.Fatalf("DiscoverServers() unexpected error: %v", err)
		}

		if len(servers) != 2 {
			t.Fatalf("got %d fallback servers, want 2", len(servers))
		}
		if !servers[0].UseTLS || servers[0].Port != 636 {
			t.Errorf("first fallback = %+v, want LDAPS on 636", servers[0])
		}
		if servers[1].UseTLS || servers[1].Port != 389 {
			t.Errorf("second fallback = %+v, want LDAP on 389", servers[1])
		}
		for i, server := range servers {
			if server.Source != "fallback" {
				t.Errorf("server %d source = %q, want %q", i, server.Source, "fallback")
			}
			if err := ValidateServerInfo(server); err != nil {
				t.Errorf("server %d validation failed: %v", i, err)
			}
		}
	})
}

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{"ldaps with port", "ldaps://dc1.example.com:636", "dc1.example.com", 636, true, false},
		{"ldap with port", "ldap://dc1.example.com:389", "dc1.example.com", 389, false, false},
		{"ldaps without port", "ldaps://dc1.example.com", "dc1.example.com", 636, true, false},
		{"ldap without port", "ldap://dc1.example.com", "dc1.example.com", 389, false, false},
		{"path component discarded", "ldaps://gc.example.com:3269/DC=example,DC=com", "gc.example.com", 3269, true, false},
		{"empty URL", "", "", 0, false, true},
		{"unsupported scheme", "https://dc1.example.com", "", 0, false, true},
		{"invalid port", "ldap://dc1.example.com:abc", "", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLDAPURL(tt.url)

			if tt.wantErr {
				if err == nil {
					t.Error("ParseLDAPURL() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLDAPURL() unexpected error: %v", err)
			}

			if got.Host != tt.wantHost || got.Port != tt.wantPort || got.UseTLS != tt.wantTLS {
				t.Errorf("ParseLDAPURL() = %+v, want host %q port %d tls %v",
					got, tt.wantHost, tt.wantPort, tt.wantTLS)
			}
			if got.Source != "config" {
				t.Errorf("Source = %q, want %q", got.Source, "config")
			}
		})
	}
}

func TestValidateServerInfo(t *testing.T) {
	tests := []struct {
		name    string
		server  *ServerInfo
		wantErr bool
	}{
		{"valid server", &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true, Weight: 100}, false},
		{"nil server", nil, true},
		{"empty host", &ServerInfo{Port: 636}, true},
		{"zero port", &ServerInfo{Host: "dc1.example.com"}, true},
		{"port out of range", &ServerInfo{Host: "dc1.example.com", Port: 70000}, true},
		{"negative priority", &ServerInfo{Host: "dc1.example.com", Port: 636, Priority: -1}, true},
		{"negative weight", &ServerInfo{Host: "dc1.example.com", Port: 636, Weight: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerInfo(tt.server)

			if tt.wantErr && err == nil {
				t.Error("ValidateServerInfo() expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateServerInfo() unexpected error: %v", err)
			}
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	tests := []struct {
		name   string
		server *ServerInfo
		want   string
	}{
		{"ldaps server", &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}, "ldaps://dc1.example.com:636"},
		{"ldap server", &ServerInfo{Host: "dc1.example.com", Port: 389, UseTLS: false}, "ldap://dc1.example.com:389"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ServerInfoToURL(tt.server); got != tt.want {
				t.Errorf("ServerInfoToURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortServersByPriority(t *testing.T) {
	servers := []*ServerInfo{
		{Host: "dc3", Priority: 2, Weight: 50},
		{Host: "dc1", Priority: 1, Weight: 100},
		{Host: "dc2", Priority: 1, Weight: 50},
		{Host: "dc4", Priority: 0, Weight: 100},
	}

	sortServersByPriority(servers)

	// Ascending priority, descending weight within a priority.
	expected := []string{"dc4", "dc1", "dc2", "dc3"}
	for i, server := range servers {
		if server.Host != expected[i] {
			t.Errorf("position %d: got %s, want %s", i, server.Host, expected[i])
		}
	}
}
