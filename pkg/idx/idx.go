// Package idx generates the correlation ids attached to outgoing REST
// requests. Ids are ULIDs so that platform-side request logs sort in
// submission order.
package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CorrelationID identifies one outgoing request across client and platform
// logs. The zero value means "no correlation id"; the REST client omits the
// header in that case.
type CorrelationID string

const Zero CorrelationID = ""

// ErrInvalid reports a malformed correlation id string.
var ErrInvalid = errors.New("idx: invalid correlation id")

var (
	globalOnce sync.Once
	global     *generator
)

// generator produces ULIDs from a shared monotonic entropy source so that two
// requests issued in the same millisecond still get ordered ids.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) newAt(t time.Time) CorrelationID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return CorrelationID(ulid.MustNew(ulid.Timestamp(t), g.entropy).String())
}

func initGlobal() {
	global = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a fresh correlation id for the current UTC time.
func New() CorrelationID {
	globalOnce.Do(initGlobal)
	return global.newAt(time.Now().UTC())
}

// NewAt returns a correlation id stamped with the provided time. Useful in
// tests that need deterministic ordering.
func NewAt(t time.Time) CorrelationID {
	globalOnce.Do(initGlobal)
	return global.newAt(t)
}

// Parse validates an incoming correlation id, e.g. one supplied by a caller
// that wants to stitch SDK requests into its own trace.
func Parse(s string) (CorrelationID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalid
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return Zero, ErrInvalid
	}
	return CorrelationID(s), nil
}

// String implements fmt.Stringer.
func (id CorrelationID) String() string { return string(id) }
