package engine

import "github.com/quiclb/qcore/wire"

// pmtudState drives path MTU discovery by binary search between a
// configured floor and ceiling: a candidate size is probed with a padded,
// ack-eliciting packet, and the search range narrows toward whichever
// half the probe's fate (acked or lost) rules out.
type pmtudState struct {
	enabled bool
	min     int
	max     int
	current int // largest size confirmed to reach the peer
	probing int // candidate size of the outstanding probe, 0 if none
	probe   sentVal
}

func (c *Conn) pmtudInit(config *Config) {
	min := config.pmtuMin()
	max := config.pmtuMax()
	if max <= min {
		return
	}
	c.pmtud.enabled = true
	c.pmtud.min = min
	c.pmtud.max = max
	c.pmtud.current = min
}

// appendPMTUDProbe starts a new probe round if none is outstanding, and
// pads the current 1-RTT packet to the candidate size if one is pending.
// PMTUD is the lowest-priority connection send flag: it packs last, after
// every other frame due this flush, and only once the packet is otherwise
// as full as it's going to get. Returns true if no more frames need
// appending, false if the probe did not fit.
func (c *Conn) appendPMTUDProbe(pnum wire.PacketNumber) bool {
	if !c.pmtud.enabled {
		return true
	}
	if c.pmtud.probing == 0 && !c.pmtud.probe.isSet() && c.pmtud.current < c.pmtud.max {
		c.pmtud.probing = (c.pmtud.current + c.pmtud.max + 1) / 2
		c.pmtud.probe.set()
	}
	if !c.pmtud.probe.shouldSend() {
		return true
	}
	if !c.w.appendPMTUDProbeFrame(c.pmtud.probing) {
		return false
	}
	c.pmtud.probe.setSent(pnum)
	return true
}

// onMTUProbeAcked commits the probed size as the new path MTU and clears
// PMTUD pending, continuing the binary search upward if room remains.
func (c *Conn) onMTUProbeAcked() {
	c.pmtud.current = c.pmtud.probing
	c.pmtud.probing = 0
	c.pmtud.probe.clear()
	c.loss.cc.setMaxDatagramSize(c.pmtud.current)
}

// onMTUProbeLost narrows the search range below the probed size; the next
// appendPMTUDProbe call retries with a smaller candidate.
func (c *Conn) onMTUProbeLost() {
	c.pmtud.max = c.pmtud.probing - 1
	c.pmtud.probing = 0
	c.pmtud.probe.clear()
}
