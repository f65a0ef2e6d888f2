package tlssrv

import "time"

const (
	readTimeout       = 90 * time.Second
	writeTimeout      = 90 * time.Second
	idleTimeout       = 90 * time.Second
	readHeaderTimeout = 10 * time.Second
)
