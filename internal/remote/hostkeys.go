package remote

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch is returned when a host presents a key different from
// the one recorded on first contact
var ErrHostKeyMismatch = errors.New("host key mismatch")

// TrustOnFirstUse accepts the first key a host presents and pins it.
// Pinned keys are appended to a known_hosts file when a path is set.
type TrustOnFirstUse struct {
	path  string
	mu    sync.Mutex
	known map[string]ssh.PublicKey
}

// NewTrustOnFirstUse creates a host key store. An empty path keeps keys in memory only.
func NewTrustOnFirstUse(path string) (*TrustOnFirstUse, error) {
	t := &TrustOnFirstUse{
		path:  path,
		known: make(map[string]ssh.PublicKey),
	}

	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read known hosts: %w", err)
	}

	for len(data) > 0 {
		_, hosts, key, _, rest, err := ssh.ParseKnownHosts(data)
		if err != nil {
			break
		}
		for _, host := range hosts {
			t.known[host] = key
		}
		data = rest
	}

	return t, nil
}

// Callback returns the ssh.HostKeyCallback enforcing the policy
func (t *TrustOnFirstUse) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := knownhosts.Normalize(hostname)

		t.mu.Lock()
		defer t.mu.Unlock()

		if pinned, ok := t.known[host]; ok {
			if !bytes.Equal(pinned.Marshal(), key.Marshal()) {
				return fmt.Errorf("%w for %s", ErrHostKeyMismatch, host)
			}
			return nil
		}

		t.known[host] = key
		return t.persist(host, key)
	}
}

// Forget drops the pinned key of a host so the next key it presents is
// trusted. The known_hosts file is rewritten without it.
func (t *TrustOnFirstUse) Forget(address string, port int) error {
	host := knownhosts.Normalize(net.JoinHostPort(address, strconv.Itoa(port)))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.known[host]; !ok {
		return nil
	}
	delete(t.known, host)
	return t.rewrite()
}

// rewrite replaces the known_hosts file with the pinned keys
func (t *TrustOnFirstUse) rewrite() error {
	if t.path == "" {
		return nil
	}

	hosts := make([]string, 0, len(t.known))
	for host := range t.known {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	var buf bytes.Buffer
	for _, host := range hosts {
		buf.WriteString(knownhosts.Line([]string{host}, t.known[host]))
		buf.WriteByte('\n')
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write known hosts: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace known hosts: %w", err)
	}
	return nil
}

func (t *TrustOnFirstUse) persist(host string, key ssh.PublicKey) error {
	if t.path == "" {
		return nil
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known hosts: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{host}, key)); err != nil {
		return fmt.Errorf("failed to record host key: %w", err)
	}
	return nil
}
