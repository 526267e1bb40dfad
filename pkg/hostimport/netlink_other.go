//go:build !linux

package hostimport

// Import is not available without netlink.
func Import(name string) (*Snapshot, error) {
	return nil, ErrUnsupported
}
