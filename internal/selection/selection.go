// Package selection picks the next batch of proxies to hand out.
//
// Selection prefers proxies that just passed a liveness probe and that the
// audience has not seen in its last few batches, then degrades step by step
// rather than returning nothing:
//
//  1. reachable and not recently sent
//  2. reachable but recently sent
//  3. anything in the pool, newest first, not recently sent (unprobed)
//
// A short or empty batch is a valid result.
package selection

import (
	"github.com/die-net/proxyfeed/internal/proxy"
)

// Probe candidate caps for the two kinds of audience.
const (
	ChannelProbeLimit = 50
	UserProbeLimit    = 20
)

// Tier identifies which rule placed a proxy in a batch.
type Tier int

const (
	Fresh Tier = iota
	Repeat
	Unprobed
	numTiers
)

func (t Tier) String() string {
	switch t {
	case Fresh:
		return "fresh"
	case Repeat:
		return "repeat"
	case Unprobed:
		return "unprobed"
	default:
		return "unknown"
	}
}

type Input struct {
	// Reachable are the probe survivors, in any order.
	Reachable []proxy.Proxy
	// Pool is the whole known pool, used for the unprobed fallback.
	Pool []proxy.Proxy
	// Recent are the audience's last batches.
	Recent []proxy.Batch
	// Target is the wanted batch size.
	Target int
}

type Result struct {
	Batch proxy.Batch
	// Tiers counts how many proxies each tier contributed.
	Tiers [numTiers]int
}

// Select builds a batch of at most in.Target distinct proxies.
func Select(in Input) Result {
	var res Result
	if in.Target <= 0 {
		return res
	}

	b := &builder{target: in.Target, chosen: make(map[proxy.Identity]struct{}, in.Target)}

	for _, p := range in.Reachable {
		if !proxy.RecentlySent(in.Recent, p) {
			b.add(p, Fresh)
		}
	}
	for _, p := range in.Reachable {
		b.add(p, Repeat)
	}
	for _, p := range proxy.NewestFirst(in.Pool) {
		if !proxy.RecentlySent(in.Recent, p) {
			b.add(p, Unprobed)
		}
	}

	res.Batch = b.batch
	res.Tiers = b.tiers
	return res
}

type builder struct {
	target int
	batch  proxy.Batch
	chosen map[proxy.Identity]struct{}
	tiers  [numTiers]int
}

func (b *builder) add(p proxy.Proxy, tier Tier) {
	if len(b.batch) >= b.target {
		return
	}
	id := p.Identity()
	if _, ok := b.chosen[id]; ok {
		return
	}
	b.chosen[id] = struct{}{}
	b.batch = append(b.batch, p)
	b.tiers[tier]++
}

// Candidates returns the proxies worth probing for an audience: the newest
// limit entries of preferred when it is non-empty, otherwise of pool.
func Candidates(preferred, pool []proxy.Proxy, limit int) []proxy.Proxy {
	if len(preferred) > 0 {
		return proxy.Newest(preferred, limit)
	}
	return proxy.Newest(pool, limit)
}
