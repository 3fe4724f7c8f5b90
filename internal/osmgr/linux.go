//go:build linux

package osmgr

// NewLinux returns a Manager wired to the real rtnetlink route/address
// backends and systemd-resolved DNS registration.
func NewLinux() (*Manager, error) {
	dns, err := NewResolvedDNS()
	if err != nil {
		return nil, err
	}
	return New(NewRoutes(), NewAddresses(), dns), nil
}
