package message

import "sync"

// Default pool limits. A constrained node carries a fixed-size buffer pool;
// these defaults are generous for host builds while still exercising the
// exhaustion path in tests.
const (
	// DefaultMaxOutstanding is the default number of simultaneously live
	// messages a pool allows before New returns ErrNoBufs.
	DefaultMaxOutstanding = 128

	// DefaultMaxLength is the default per-message payload cap in bytes.
	DefaultMaxLength = 2048
)

// PoolConfig configures a message Pool.
type PoolConfig struct {
	// MaxOutstanding caps the number of live (not yet freed) messages.
	// Zero means DefaultMaxOutstanding.
	MaxOutstanding int

	// MaxLength caps the payload length of each message in bytes.
	// Zero means DefaultMaxLength; negative means unlimited.
	MaxLength int
}

// Pool allocates messages with a bounded number of outstanding buffers.
type Pool struct {
	mu          sync.Mutex
	outstanding int
	max         int
	maxLength   int
}

// NewPool creates a message pool with the given configuration.
func NewPool(config PoolConfig) *Pool {
	if config.MaxOutstanding <= 0 {
		config.MaxOutstanding = DefaultMaxOutstanding
	}
	maxLength := config.MaxLength
	if maxLength == 0 {
		maxLength = DefaultMaxLength
	} else if maxLength < 0 {
		maxLength = 0
	}
	return &Pool{max: config.MaxOutstanding, maxLength: maxLength}
}

// New allocates an empty message. Returns ErrNoBufs when the pool is
// exhausted.
func (p *Pool) New() (*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding >= p.max {
		return nil, ErrNoBufs
	}
	p.outstanding++
	return &Message{pool: p}, nil
}

// NewFromBytes allocates a message holding a copy of b.
func (p *Pool) NewFromBytes(b []byte) (*Message, error) {
	msg, err := p.New()
	if err != nil {
		return nil, err
	}
	if err := msg.AppendBytes(b); err != nil {
		msg.Free()
		return nil, err
	}
	return msg, nil
}

// Outstanding returns the number of live messages.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding > 0 {
		p.outstanding--
	}
}
