package record

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Key prefixes for the four record families. Peers are free-form ASCII
// strings chosen once per device; they may themselves contain
// underscores, so shard keys are parsed from the right.
const (
	metaPrefix     = "m_"
	shardPrefix    = "e_"
	baselinePrefix = "b_"
	seenPrefix     = "s_"
)

// Scan patterns used by the engine. Compiled once; the store contract
// takes a regexp so adapters can push the filter down.
var (
	MetaPattern      = regexp.MustCompile(`^m_`)
	MetaShardPattern = regexp.MustCompile(`^(m_|e_)`)
	BaselinePattern  = regexp.MustCompile(`^b_`)
)

// MetaKey returns the meta key for a peer.
func MetaKey(peer string) string { return metaPrefix + peer }

// ShardKey returns the key of shard index i of a peer.
func ShardKey(peer string, index uint32) string {
	return fmt.Sprintf("%s%s_%d", shardPrefix, peer, index)
}

// BaselineKey returns the baseline key for a peer.
func BaselineKey(peer string) string { return baselinePrefix + peer }

// SeenKey returns the seen-vector key for a peer.
func SeenKey(peer string) string { return seenPrefix + peer }

// ParseMetaKey extracts the peer id from a meta key.
func ParseMetaKey(key string) (peer string, ok bool) {
	if !strings.HasPrefix(key, metaPrefix) {
		return "", false
	}
	return key[len(metaPrefix):], true
}

// ParseShardKey extracts the peer id and shard index from a shard key.
// The index is the digits after the last underscore; everything between
// the prefix and that underscore is the peer id.
func ParseShardKey(key string) (peer string, index uint32, ok bool) {
	if !strings.HasPrefix(key, shardPrefix) {
		return "", 0, false
	}
	rest := key[len(shardPrefix):]
	sep := strings.LastIndexByte(rest, '_')
	if sep <= 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(rest[sep+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return rest[:sep], uint32(n), true
}

// IsMetaKey reports whether key belongs to the meta family.
func IsMetaKey(key string) bool { return strings.HasPrefix(key, metaPrefix) }
