package remote

import "strings"

// DefaultUser returns the login account baked into a boot image, judged by
// the first dash-separated segment of the image name
func DefaultUser(image string) string {
	prefix, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(image)), "-")

	switch prefix {
	case "cirros", "ubuntu", "centos", "debian", "fedora", "arch":
		return prefix
	default:
		return "root"
	}
}
