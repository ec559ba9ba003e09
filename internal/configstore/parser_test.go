package configstore

import (
	"strings"
	"testing"
)

const sampleConf = `[Interface]
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
Address = 10.0.0.2/32, fd00::2/128
ListenPort = 51820
DNS = 1.1.1.1
PostUp = iptables -A FORWARD -i %i -j ACCEPT # wg-quick only

[Peer]
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = vpn.example.com:51820
PersistentKeepalive = 25
`

func TestParse_InterfaceAndPeers(t *testing.T) {
	res, err := Parse("home", []byte(sampleConf))
	if err != nil {
		t.Fatal(err)
	}
	cfg := res.Config
	if cfg.Name != "home" {
		t.Fatalf("name = %q", cfg.Name)
	}
	if !strings.HasSuffix(cfg.Interface.PrivateKey, "=") {
		t.Fatalf("base64 padding lost from private key: %q", cfg.Interface.PrivateKey)
	}
	if len(cfg.Interface.Addresses) != 2 || cfg.Interface.Addresses[1] != "fd00::2/128" {
		t.Fatalf("addresses = %v", cfg.Interface.Addresses)
	}
	if cfg.Interface.ListenPort != 51820 {
		t.Fatalf("listen port = %d", cfg.Interface.ListenPort)
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("peers = %d", len(cfg.Peers))
	}
	p := cfg.Peers[0]
	if p.Endpoint != "vpn.example.com:51820" || p.PersistentKeepalive != 25 || len(p.AllowedIPs) != 2 {
		t.Fatalf("peer = %+v", p)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "PostUp") {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		conf string
		want string
	}{
		{"no interface", "[Peer]\nPublicKey = abc\n", "missing [Interface]"},
		{"no private key", "[Interface]\nAddress = 10.0.0.1/24\n", "missing PrivateKey"},
		{"peer without key", "[Interface]\nPrivateKey = k\n[Peer]\nEndpoint = h:1\n", "missing PublicKey"},
		{"bad port", "[Interface]\nPrivateKey = k\nListenPort = huge\n", "invalid ListenPort"},
		{"endpoint without port", "[Interface]\nPrivateKey = k\n[Peer]\nPublicKey = p\nEndpoint = vpn.example.com\n", "invalid Endpoint"},
		{"endpoint port range", "[Interface]\nPrivateKey = k\n[Peer]\nPublicKey = p\nEndpoint = 10.0.0.1:70000\n", "out of range"},
		{"key outside section", "PrivateKey = k\n", "outside of a section"},
		{"unknown section", "[Interface]\nPrivateKey = k\n[Wat]\n", "unknown section"},
		{"duplicate interface", "[Interface]\nPrivateKey = k\n[Interface]\n", "duplicate"},
		{"no equals", "[Interface]\nPrivateKey\n", "expected key = value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("x", []byte(tt.conf))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestFormat_ParsesBack(t *testing.T) {
	res, err := Parse("home", []byte(sampleConf))
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse("home", Format(res.Config))
	if err != nil {
		t.Fatalf("formatted config does not parse: %v", err)
	}
	if again.Config.Peers[0].PublicKey != res.Config.Peers[0].PublicKey {
		t.Fatalf("peer key changed: %q", again.Config.Peers[0].PublicKey)
	}
	if len(again.Warnings) != 0 {
		t.Fatalf("formatted config produced warnings: %v", again.Warnings)
	}
}
