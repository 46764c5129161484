package replistate

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	metaScanPattern     = regexp.MustCompile(`^m_`)
	metaAndShardPattern = regexp.MustCompile(`^(m_|e_)`)
	baselineScanPattern = regexp.MustCompile(`^b_`)
)

func metaKey(peer string) string     { return "m_" + peer }
func baselineKey(peer string) string { return "b_" + peer }
func seenKey(peer string) string     { return "s_" + peer }
func shardKey(peer string, idx uint32) string {
	return fmt.Sprintf("e_%s_%d", peer, idx)
}

// peerFromMetaKey extracts P from a "m_<P>" key; ok is false if key does not
// have that shape.
func peerFromMetaKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "m_") {
		return "", false
	}
	return strings.TrimPrefix(key, "m_"), true
}
