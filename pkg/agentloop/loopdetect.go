package agentloop

import (
	"encoding/json"
	"strings"
)

// ring buffer capacity for behavior records
const behaviorCapacity = 10

// behaviorRecord is one iteration's observable behavior
type behaviorRecord struct {
	thought    string
	commandKey string
	hasCommand bool
}

// loopDetector watches the last few iterations for repeated commands or
// near-duplicate thoughts
type loopDetector struct {
	window    int
	threshold float64
	records   []behaviorRecord
}

func newLoopDetector(window int, threshold float64) *loopDetector {
	return &loopDetector{window: window, threshold: threshold}
}

// Observe records one iteration's behavior, evicting the oldest entry
// once the ring is full
func (d *loopDetector) Observe(p *Parsed) {
	rec := behaviorRecord{thought: p.Thought}
	if p.Command != nil {
		rec.hasCommand = true
		rec.commandKey = commandKey(p.Command)
	}

	d.records = append(d.records, rec)
	if len(d.records) > behaviorCapacity {
		d.records = d.records[1:]
	}
}

// Detect reports whether the trailing window repeats: either the same
// command (name and JSON-equal params) every time, or near-duplicate
// thoughts among thought-only iterations.
func (d *loopDetector) Detect() bool {
	return d.repeatedCommand() || d.repeatedThought()
}

func (d *loopDetector) repeatedCommand() bool {
	if len(d.records) < d.window {
		return false
	}
	tail := d.records[len(d.records)-d.window:]
	first := tail[0]
	if !first.hasCommand {
		return false
	}
	for _, rec := range tail[1:] {
		if !rec.hasCommand || rec.commandKey != first.commandKey {
			return false
		}
	}
	return true
}

func (d *loopDetector) repeatedThought() bool {
	// only iterations that produced a thought without a command count
	var thoughts []string
	for _, rec := range d.records {
		if rec.thought != "" && !rec.hasCommand {
			thoughts = append(thoughts, rec.thought)
		}
	}
	if len(thoughts) < d.window {
		return false
	}

	tail := thoughts[len(thoughts)-d.window:]
	for i := 0; i < len(tail); i++ {
		for j := i + 1; j < len(tail); j++ {
			if jaccard(tail[i], tail[j]) <= d.threshold {
				return false
			}
		}
	}
	return true
}

// commandKey canonicalizes a command for equality checks. Map keys are
// sorted by the JSON encoder, so equal params yield equal keys.
func commandKey(c *Command) string {
	params, _ := json.Marshal(c.Params)
	return c.Name + "|" + string(params)
}

// jaccard computes word-set intersection over union
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(tok, ".,!?;:\"'()")] = true
	}
	delete(set, "")
	return set
}
