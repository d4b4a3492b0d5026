package discovery

// Permit is whatever the host platform requires before broadcast datagrams
// reach the process (a multicast lock on some mobile systems). Discovery
// acquires it in Start and releases it in Stop.
type Permit interface {
	Acquire() error
	Release()
}

// NopPermit is used on hosts that deliver broadcasts unconditionally.
type NopPermit struct{}

func (NopPermit) Acquire() error { return nil }
func (NopPermit) Release()       {}
