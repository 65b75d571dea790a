package snapshotid

import (
	"bytes"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid"
)

// ErrMalformedID is returned for text that is not a valid snapshot id.
var ErrMalformedID = goerr.New("malformed snapshot id")

// ID is a snapshot identifier in canonical text form.
type ID string

func (id ID) String() string { return string(id) }

// Decode splits id into its timestamp and randomness fields.
func (id ID) Decode() (ms uint64, entropy []byte, err error) {
	u, err := ulid.ParseStrict(string(id))
	if err != nil {
		return 0, nil, goerr.Wrap(ErrMalformedID, err.Error(), goerr.V("id", string(id)))
	}
	return u.Time(), u.Entropy(), nil
}

// Millis returns the timestamp field of id.
func (id ID) Millis() (uint64, error) {
	ms, _, err := id.Decode()
	return ms, err
}

// Time returns the timestamp field of id as a UTC time.
func (id ID) Time() (time.Time, error) {
	ms, err := id.Millis()
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(ms).UTC(), nil
}

// Parse validates s and returns it in canonical (upper case) form.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return "", goerr.Wrap(ErrMalformedID, err.Error(), goerr.V("id", s))
	}
	return ID(u.String()), nil
}

// Compare orders a and b by timestamp, then by randomness.
func Compare(a, b ID) (int, error) {
	ams, aent, err := a.Decode()
	if err != nil {
		return 0, err
	}
	bms, bent, err := b.Decode()
	if err != nil {
		return 0, err
	}
	switch {
	case ams < bms:
		return -1, nil
	case ams > bms:
		return 1, nil
	}
	return bytes.Compare(aent, bent), nil
}

// FromParts builds an ID from explicit fields. entropy must be 10 bytes.
func FromParts(ms uint64, entropy []byte) (ID, error) {
	var u ulid.ULID
	if err := u.SetTime(ms); err != nil {
		return "", goerr.Wrap(err, "set id time", goerr.V("ms", ms))
	}
	if err := u.SetEntropy(entropy); err != nil {
		return "", goerr.Wrap(err, "set id entropy", goerr.V("len", len(entropy)))
	}
	return ID(u.String()), nil
}

// Generator issues strictly increasing IDs. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	lastMs  uint64
}

// NewGenerator returns a Generator reading randomness from entropy and time
// from now. nil arguments select crypto/rand and time.Now.
func NewGenerator(entropy io.Reader, now func() time.Time) *Generator {
	if entropy == nil {
		entropy = rand.Reader
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		now:     now,
		entropy: ulid.Monotonic(entropy, 0),
	}
}

// New issues the next ID. It fails only when the randomness source does.
func (g *Generator) New() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMs {
		// clock stepped back
		ms = g.lastMs
	}
	u, err := ulid.New(ms, g.entropy)
	if err != nil {
		return "", goerr.Wrap(err, "generate snapshot id", goerr.V("ms", ms))
	}
	g.lastMs = ms
	return ID(u.String()), nil
}
