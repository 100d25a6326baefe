// Package registry holds the fixed bank of ADS7830 input channels.
package registry

import (
	"time"

	"ads7830-go/drivers/ads7830"
	"ads7830-go/errcode"
	"ads7830-go/services/adc/internal/sched"
	"ads7830-go/services/varstore"
	"ads7830-go/x/mathx"
)

// Size is the number of channels in the bank.
const Size = ads7830.NumChannels

// Mode is the sampling policy of a channel.
type Mode uint8

const (
	OnDemand Mode = iota
	Periodic
)

func (m Mode) String() string {
	if m == Periodic {
		return "periodic"
	}
	return "on-demand"
}

// Channel is one analog input.
type Channel struct {
	Index    int
	Name     string
	Handle   varstore.Handle // varstore.Invalid when unresolved
	Mode     Mode
	Interval time.Duration // > 0 only for Periodic

	// Timer is owned only when Mode == Periodic and HasTimer is set.
	Timer    sched.Handle
	HasTimer bool

	// LastRaw is the most recent successful sample.
	LastRaw uint8

	configured bool
}

// Configured reports whether the channel was registered.
func (c *Channel) Configured() bool { return c.configured }

// IntervalMs returns the period in milliseconds, 0 for on-demand.
func (c *Channel) IntervalMs() int64 {
	if c.Mode != Periodic {
		return 0
	}
	return c.Interval.Milliseconds()
}

// Descriptor is what configuration supplies for one channel.
type Descriptor struct {
	Index    int
	Name     string
	Interval time.Duration
}

// Registry is the bank. The zero value is not ready; use New.
type Registry struct {
	ch [Size]Channel
}

func New() *Registry {
	r := &Registry{}
	for i := range r.ch {
		r.ch[i] = Channel{Index: i, Handle: varstore.Invalid}
	}
	return r
}

// Register records d, resolving its variable through resolve. An index
// outside the bank or an already registered slot is a configuration defect
// and leaves the bank untouched. An unresolvable name still records the
// name but leaves the channel unconfigured with an invalid handle.
func (r *Registry) Register(d Descriptor, resolve func(name string) varstore.Handle) (*Channel, error) {
	if !mathx.Between(d.Index, 0, Size-1) {
		return nil, errcode.New(errcode.ConfigDefect, "registry: register", "channel index out of range")
	}
	c := &r.ch[d.Index]
	if c.configured {
		return nil, errcode.New(errcode.ConfigDefect, "registry: register", "channel already configured")
	}

	c.Name = d.Name
	if d.Interval > 0 {
		c.Mode, c.Interval = Periodic, d.Interval
	} else {
		c.Mode, c.Interval = OnDemand, 0
	}

	c.Handle = resolve(d.Name)
	if c.Handle == varstore.Invalid {
		return c, errcode.New(errcode.ConfigDefect, "registry: register", "unresolved variable "+d.Name)
	}
	c.configured = true
	return c, nil
}

// LookupByHandle returns the index of the channel bound to h.
func (r *Registry) LookupByHandle(h varstore.Handle) (int, bool) {
	if h == varstore.Invalid {
		return -1, false
	}
	for i := range r.ch {
		if r.ch[i].Handle == h {
			return i, true
		}
	}
	return -1, false
}

// LookupByIndex returns the channel at index i.
func (r *Registry) LookupByIndex(i int) (*Channel, bool) {
	if i < 0 || i >= Size {
		return nil, false
	}
	return &r.ch[i], true
}

// All returns the bank in index order.
func (r *Registry) All() []*Channel {
	out := make([]*Channel, Size)
	for i := range r.ch {
		out[i] = &r.ch[i]
	}
	return out
}
