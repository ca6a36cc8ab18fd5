package config

import "time"

// Default buffer sizes and timing constants shared across the collector
// and controller. The wire protocol's own message-size cap lives in
// internal/wire instead, since internal/wire cannot import this package
// without an import cycle (this package's Args.ToEffectiveArgs needs
// internal/wire's types).
const (
	DefaultStreamChannelDepth = 4096
	DefaultStreamInterval     = time.Second
	DefaultControlBodyBytes   = 1024 * 1024
)
