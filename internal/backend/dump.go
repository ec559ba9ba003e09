package backend

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/treykane/wg-manager/internal/model"
)

// parseDump reads `wg show <iface> dump`: one tab separated line for the
// interface followed by one per peer:
//
//	public-key preshared-key endpoint allowed-ips latest-handshake rx tx keepalive
func parseDump(out []byte) (model.Statistics, error) {
	stats := model.Statistics{UpdatedAt: time.Now().UTC()}
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return model.Statistics{}, fmt.Errorf("malformed dump line: %d fields", len(fields))
		}
		rx, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return model.Statistics{}, fmt.Errorf("parse rx: %w", err)
		}
		tx, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return model.Statistics{}, fmt.Errorf("parse tx: %w", err)
		}
		p := model.PeerStats{PublicKey: fields[0], RxBytes: rx, TxBytes: tx}
		if hs, err := strconv.ParseInt(fields[4], 10, 64); err == nil && hs > 0 {
			p.LatestHandshake = time.Unix(hs, 0).UTC()
		}
		stats.Peers = append(stats.Peers, p)
	}
	if err := sc.Err(); err != nil {
		return model.Statistics{}, err
	}
	return stats, nil
}
