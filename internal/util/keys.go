package util

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// MaxCacheKeyLen is the longest cache key handed to a kv backend. Longer keys
// are replaced by a hashed form (memcached-style limit, also keeps redis keys small).
const MaxCacheKeyLen = 250

// EntryKey returns the cache key of the record whose encoded store key is k.
func EntryKey(ns, k string) string {
	key := "wbcache:" + ns + ":e:" + k
	if len(key) <= MaxCacheKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(k))
	key = fmt.Sprintf("wbcache:%s:h:%x", ns, sum)
	if len(key) <= MaxCacheKeyLen {
		return key
	}
	sum = sha256.Sum256([]byte(ns + "\x00" + k))
	return fmt.Sprintf("wbcache:h:%x", sum)
}

// WatchdogKey is the single cache key holding the watchdog token.
func WatchdogKey(ns string) string {
	return "wbcache:" + ns + ":watchdog"
}

// MaxTaskNameLen is the longest task name queues accept.
const MaxTaskNameLen = 500

// WatchdogTaskName derives the de-duplication name of the tick scheduled by
// the holder of token. Queue task names only allow [A-Za-z0-9_-]; names that
// would exceed MaxTaskNameLen are replaced by a hash of ns and token.
func WatchdogTaskName(ns, token string) string {
	name := "wbcache-" + sanitize(ns) + "-watchdog-" + sanitize(token)
	if len(name) <= MaxTaskNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(ns + "\x00" + token))
	return fmt.Sprintf("wbcache-h%x-watchdog", sum)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
