package store

import "sync"

const (
	seqUser       = "user"
	seqRoom       = "room"
	seqMessage    = "message"
	seqMeeting    = "meeting"
	seqAttachment = "attachment"
)

type seqGenerator struct {
	mu      sync.Mutex
	perKind map[string]int64
}

func newSeqGenerator() *seqGenerator {
	return &seqGenerator{perKind: make(map[string]int64)}
}

func (g *seqGenerator) next(kind string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perKind[kind]++
	return g.perKind[kind]
}
