package configstore

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/util"
)

// ParseResult is a parsed config plus non-fatal problems found on the way.
type ParseResult struct {
	Config   model.Config
	Warnings []string
}

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
)

// Parse reads a wg-quick style config. Unknown keys are kept in Raw (wg-quick
// understands more than the in-process backend does) and reported as
// warnings; structural errors fail the parse.
func Parse(name string, raw []byte) (ParseResult, error) {
	res := ParseResult{Config: model.Config{Name: name, Raw: raw}}
	var (
		current section
		peer    *model.PeerSection
		sawIf   bool
	)
	flushPeer := func() {
		if peer != nil {
			res.Config.Peers = append(res.Config.Peers, *peer)
			peer = nil
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripInlineComment(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			switch strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])) {
			case "interface":
				if sawIf {
					return ParseResult{}, fmt.Errorf("line %d: duplicate [Interface] section", lineNo)
				}
				flushPeer()
				current, sawIf = sectionInterface, true
			case "peer":
				flushPeer()
				current = sectionPeer
				peer = &model.PeerSection{}
			default:
				return ParseResult{}, fmt.Errorf("line %d: unknown section %s", lineNo, line)
			}
			continue
		}

		key, value, ok := splitDirective(line)
		if !ok {
			return ParseResult{}, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		var err error
		switch current {
		case sectionInterface:
			err = applyInterface(&res, key, value)
		case sectionPeer:
			err = applyPeer(&res, peer, key, value)
		default:
			err = fmt.Errorf("%s outside of a section", key)
		}
		if err != nil {
			return ParseResult{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return ParseResult{}, fmt.Errorf("scan %s: %w", name, err)
	}
	flushPeer()

	if !sawIf {
		return ParseResult{}, fmt.Errorf("missing [Interface] section")
	}
	if res.Config.Interface.PrivateKey == "" {
		return ParseResult{}, fmt.Errorf("[Interface] is missing PrivateKey")
	}
	for i, p := range res.Config.Peers {
		if p.PublicKey == "" {
			return ParseResult{}, fmt.Errorf("[Peer] %d is missing PublicKey", i+1)
		}
	}
	return res, nil
}

func applyInterface(res *ParseResult, key, value string) error {
	iface := &res.Config.Interface
	switch strings.ToLower(key) {
	case "privatekey":
		iface.PrivateKey = value
	case "address":
		iface.Addresses = append(iface.Addresses, splitList(value)...)
	case "listenport":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("invalid ListenPort %q", value)
		}
		iface.ListenPort = n
	case "dns":
		iface.DNS = append(iface.DNS, splitList(value)...)
	case "mtu":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MTU %q", value)
		}
		iface.MTU = n
	case "fwmark":
		if value == "off" {
			iface.FwMark = 0
			return nil
		}
		n, err := strconv.ParseInt(value, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid FwMark %q", value)
		}
		iface.FwMark = int(n)
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("[Interface] %s is only understood by wg-quick", key))
	}
	return nil
}

func applyPeer(res *ParseResult, peer *model.PeerSection, key, value string) error {
	switch strings.ToLower(key) {
	case "publickey":
		peer.PublicKey = value
	case "presharedkey":
		peer.PresharedKey = value
	case "allowedips":
		peer.AllowedIPs = append(peer.AllowedIPs, splitList(value)...)
	case "endpoint":
		if err := validateEndpoint(value); err != nil {
			return err
		}
		peer.Endpoint = value
	case "persistentkeepalive":
		if value == "off" {
			peer.PersistentKeepalive = 0
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("invalid PersistentKeepalive %q", value)
		}
		peer.PersistentKeepalive = n
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("[Peer] %s is not recognized", key))
	}
	return nil
}

func validateEndpoint(v string) error {
	_, port, err := net.SplitHostPort(v)
	if err != nil {
		return fmt.Errorf("invalid Endpoint %q: %w", v, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid Endpoint %q: port is not a number", v)
	}
	if err := util.ValidatePort(n); err != nil {
		return fmt.Errorf("invalid Endpoint %q: %w", v, err)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitDirective(line string) (key, value string, ok bool) {
	i := strings.Index(line, "=")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	return key, value, key != "" && value != ""
}

func stripInlineComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
