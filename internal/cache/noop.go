package cache

import "context"

// noopBackend never stores anything. Selected by cache_backend=disabled.
type noopBackend struct{}

func newNoopBackend() *noopBackend {
	return &noopBackend{}
}

func (c *noopBackend) Kind() string { return KindDisabled }

func (c *noopBackend) Serializes() bool { return false }

func (c *noopBackend) Get(context.Context, string) (any, bool, error) {
	return nil, false, nil
}

func (c *noopBackend) Set(context.Context, string, any) error {
	return nil
}

func (c *noopBackend) Delete(context.Context, string) error {
	return nil
}

func (c *noopBackend) Clear(context.Context) error {
	return nil
}

func (c *noopBackend) Stats() Stats {
	return Stats{}
}
