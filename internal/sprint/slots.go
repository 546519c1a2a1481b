package sprint

import "fmt"

// colours cycles through a small fixed palette, matching the teacher's
// internal/agents/colors.go notion of a cosmetic per-agent colour.
var colours = []string{"#4f46e5", "#0891b2", "#ca8a04", "#be185d", "#15803d"}

// DeveloperPool is the fixed-size pool of developer identities a sprint
// selects its first N slots from (spec.md DATA MODEL, Developer slot).
type DeveloperPool struct {
	slots []DeveloperSlot
}

// NewDeveloperPool builds a pool of `size` cosmetic developer identities.
func NewDeveloperPool(size int) *DeveloperPool {
	p := &DeveloperPool{}
	for i := 0; i < size; i++ {
		p.slots = append(p.slots, DeveloperSlot{
			ID:     fmt.Sprintf("dev-%d", i+1),
			Name:   fmt.Sprintf("Developer %d", i+1),
			Avatar: fmt.Sprintf("avatar-%d", i+1),
			Colour: colours[i%len(colours)],
		})
	}
	return p
}

// Select returns the first n slots, or every configured slot if n
// exceeds the pool size.
func (p *DeveloperPool) Select(n int) []DeveloperSlot {
	if n <= 0 || n > len(p.slots) {
		n = len(p.slots)
	}
	out := make([]DeveloperSlot, n)
	copy(out, p.slots[:n])
	return out
}

// Size returns the configured max pool size.
func (p *DeveloperPool) Size() int {
	return len(p.slots)
}
