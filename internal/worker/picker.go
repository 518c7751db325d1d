package worker

import (
	"slices"
	"sync"
)

// claimFilter narrows one claim attempt to a tenant set.
type claimFilter struct {
	include []string
	exclude []string
}

// picker tracks the tenant history of one worker's claims. A round is the
// sequence of claims between two idle polls.
type picker struct {
	maxConsecutive int
	maxPerRound    int

	mu     sync.Mutex
	last   string
	streak int
	round  []string
}

func newPicker(maxConsecutive, maxPerRound int) *picker {
	return &picker{maxConsecutive: maxConsecutive, maxPerRound: maxPerRound}
}

// filters returns the claim attempts to make in order, from the most
// restrictive to unrestricted.
func (p *picker) filters() []claimFilter {
	p.mu.Lock()
	defer p.mu.Unlock()

	var exclude []string
	if p.maxConsecutive > 0 && p.last != "" && p.streak >= p.maxConsecutive {
		exclude = []string{p.last}
	}

	var out []claimFilter
	if p.maxPerRound > 0 && len(p.round) >= p.maxPerRound {
		var include []string
		for _, t := range p.round {
			if !slices.Contains(exclude, t) {
				include = append(include, t)
			}
		}
		if len(include) > 0 {
			out = append(out, claimFilter{include: include, exclude: exclude})
		}
	}
	out = append(out, claimFilter{exclude: exclude})
	if exclude != nil {
		out = append(out, claimFilter{})
	}
	return out
}

// record notes a successful claim for tenant.
func (p *picker) record(tenant string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tenant == p.last {
		p.streak++
	} else {
		p.last, p.streak = tenant, 1
	}
	if slices.Contains(p.round, tenant) {
		return
	}
	if p.maxPerRound > 0 && len(p.round) >= p.maxPerRound {
		p.round = []string{tenant}
		return
	}
	p.round = append(p.round, tenant)
}

// idle ends the current round.
func (p *picker) idle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.round = nil
	p.last, p.streak = "", 0
}
