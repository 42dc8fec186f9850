package ledger

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Ledger is the set of backup names already sent. Names are never removed.
type Ledger struct {
	sent mapset.Set[string]
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{sent: mapset.NewThreadUnsafeSet[string]()}
}

// Contains reports whether name was recorded as sent.
func (l *Ledger) Contains(name string) bool {
	return l.sent.Contains(name)
}

// Insert records name as sent. Inserting an existing name is a no-op.
func (l *Ledger) Insert(name string) {
	l.sent.Add(name)
}

// Len returns the number of recorded names.
func (l *Ledger) Len() int {
	return l.sent.Cardinality()
}

// Names returns the recorded names in lexical order.
func (l *Ledger) Names() []string {
	names := l.sent.ToSlice()
	sort.Strings(names)
	return names
}

// Missing returns the entries of names that are not in the ledger,
// preserving their order.
func (l *Ledger) Missing(names []string) []string {
	var out []string
	for _, n := range names {
		if !l.sent.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}
