package dicho

import (
	"errors"
	"fmt"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

var ErrOwnership = errors.New("dicho: vehicle ownership violated")

// Ledger records which problem owns each vehicle while instances are split
// and vehicles move between siblings.
type Ledger struct {
	owner map[string]string
}

func NewLedger() *Ledger {
	return &Ledger{owner: map[string]string{}}
}

// Assign makes p the owner of all its vehicles.
func (l *Ledger) Assign(p *model.Problem) {
	for _, v := range p.Vehicles {
		l.owner[v.ID] = p.ID
	}
}

// Move transfers a vehicle from one problem to another.
func (l *Ledger) Move(vehicleID, from, to string) error {
	if cur, ok := l.owner[vehicleID]; !ok || cur != from {
		return fmt.Errorf("%w: vehicle %s is owned by %q, not %q", ErrOwnership, vehicleID, cur, from)
	}
	l.owner[vehicleID] = to
	return nil
}

func (l *Ledger) Owner(vehicleID string) (string, bool) {
	id, ok := l.owner[vehicleID]
	return id, ok
}

// Verify checks that every vehicle of the given problems is held by exactly
// one of them and that the ledger agrees.
func (l *Ledger) Verify(problems ...*model.Problem) error {
	holder := map[string]string{}
	for _, p := range problems {
		for _, v := range p.Vehicles {
			if other, ok := holder[v.ID]; ok {
				return fmt.Errorf("%w: vehicle %s held by %s and %s", ErrOwnership, v.ID, other, p.ID)
			}
			holder[v.ID] = p.ID
			if owner := l.owner[v.ID]; owner != p.ID {
				return fmt.Errorf("%w: vehicle %s held by %s but owned by %q", ErrOwnership, v.ID, p.ID, owner)
			}
		}
	}
	return nil
}
