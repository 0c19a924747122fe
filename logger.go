package wbcache

import "github.com/unkn0wn-root/wbcache/log"

// Aliases so callers configuring a CachingStore need not import log.
type (
	Fields    = log.Fields
	Logger    = log.Logger
	NopLogger = log.NopLogger
)
