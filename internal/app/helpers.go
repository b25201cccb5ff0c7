package app

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

// subsystems are this program's loggers; libp2p keeps its own levels.
const subsystems = "^(app|call|config|media|p2p|relay|rtc|storage|surface|viewer)$"

func setLogLevel(level string) {
	if err := logging.SetLogLevelRegex(subsystems, level); err != nil {
		log.Warnw("bad log level", "level", level, "err", err)
	}
}

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(peerDir, cfgPath string) {
	log.Infow("peer scope", "peer_dir", peerDir, "config", cfgPath)
	log.Infow("this process is one peer; a different folder is a different peer")
}
