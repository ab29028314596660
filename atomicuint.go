package ice

import "sync/atomic"

type atomicUint32 struct {
	val uint32
}

func (u *atomicUint32) set(value uint32) {
	atomic.StoreUint32(&u.val, value)
}

func (u *atomicUint32) get() uint32 {
	return atomic.LoadUint32(&u.val)
}

func (u *atomicUint32) add(delta uint32) uint32 {
	return atomic.AddUint32(&u.val, delta)
}

type atomicError struct {
	val atomic.Value
}

func (a *atomicError) set(err error) {
	if err == nil {
		return
	}
	a.val.Store(errWrapper{err})
}

func (a *atomicError) get() error {
	v := a.val.Load()
	if v == nil {
		return nil
	}
	return v.(errWrapper).err
}

// errWrapper lets nil and non-nil errors share the same concrete type so
// atomic.Value.Store never panics on a type change.
type errWrapper struct {
	err error
}
