package cache

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(string) (any, bool) { return nil, false }
func (Nop) Put(string, any)        {}
func (Nop) Delete(string)          {}

var _ Cache = Nop{}
