package certmgr

// Match is the resolution outcome for one handshake.
type Match string

const (
	MatchExact    Match = "exact"
	MatchWildcard Match = "wildcard"
	MatchDefault  Match = "default"
	MatchFallback Match = "fallback"
	MatchNone     Match = "none"
)

// MatchInfo describes one SNI resolution for the diagnostics sink.
type MatchInfo struct {
	VIP        string
	ServerName string
	Domain     string // index key that matched, empty on default/none
	Match      Match
	ClientIP   string
}

// Stats receives one notification per resolved ClientHello. A nil sink
// is a no-op, losing the sink is never an error.
type Stats interface {
	SNIMatch(info MatchInfo)
}
