package relay

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickClient
)

// Policy decides what happens when a client's send buffer is full.
type Policy interface {
	OnBackpressure(consecutiveDrops int) BackpressureAction
}

// SlowReaderPolicy drops frames on a full buffer and kicks the client
// once KickAfter frames in a row were lost. A signaling client that far
// behind cannot complete a handshake anyway.
type SlowReaderPolicy struct {
	KickAfter int
}

func (p SlowReaderPolicy) OnBackpressure(consecutiveDrops int) BackpressureAction {
	if p.KickAfter > 0 && consecutiveDrops >= p.KickAfter {
		return KickClient
	}
	return DropFrame
}
