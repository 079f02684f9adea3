package reconciler

import "context"

// StaticSource is the built-in ProviderSource for deployments with no
// external provider directory: the active set is whatever was configured
// at process start. Real deployments implement ProviderSource against
// their own provider registry instead.
type StaticSource struct {
	addrs []string
}

func NewStaticSource(addrs []string) StaticSource {
	return StaticSource{addrs: addrs}
}

func (s StaticSource) ListActiveProviders(ctx context.Context) ([]string, error) {
	return s.addrs, nil
}
