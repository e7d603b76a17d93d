// Package remote runs ordered shell scripts on instances over SSH.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// DefaultPort is the SSH port used when a target does not set one
const DefaultPort = 22

// ExecutionError reports a transport failure: the session could not be
// established or broke while a command was running
type ExecutionError struct {
	Host    string
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("ssh %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("ssh %s: command %q: %v", e.Host, e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Target identifies the instance and the credential used to reach it
type Target struct {
	Address    string
	Port       int
	User       string
	PrivateKey []byte
}

func (t Target) hostport() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// CommandResult is the outcome of a single command
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands on a remote instance
type Executor interface {
	Execute(ctx context.Context, target Target, commands []string) ([]CommandResult, error)
}

// SSHExecutor is an Executor backed by golang.org/x/crypto/ssh
type SSHExecutor struct {
	hostKeys    ssh.HostKeyCallback
	dialTimeout time.Duration
	logger      *logrus.Logger
}

// NewSSHExecutor creates an executor. A nil hostKeys callback pins keys in memory.
func NewSSHExecutor(hostKeys ssh.HostKeyCallback, dialTimeout time.Duration, logger *logrus.Logger) *SSHExecutor {
	if hostKeys == nil {
		tofu, _ := NewTrustOnFirstUse("")
		hostKeys = tofu.Callback()
	}
	return &SSHExecutor{
		hostKeys:    hostKeys,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Execute opens one session to the target and runs commands in order.
// A nonzero exit status is logged and the next command runs; a transport
// failure aborts the remaining commands and returns an *ExecutionError.
// Cancelling ctx closes the connection.
func (e *SSHExecutor) Execute(ctx context.Context, target Target, commands []string) ([]CommandResult, error) {
	if len(commands) == 0 {
		return nil, nil
	}

	host := target.hostport()
	client, err := e.dial(ctx, target)
	if err != nil {
		return nil, &ExecutionError{Host: host, Err: err}
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() {
		client.Close()
	})
	defer stop()

	log := e.logger.WithFields(logrus.Fields{
		"host": host,
		"user": target.User,
	})

	results := make([]CommandResult, 0, len(commands))
	for _, command := range commands {
		log.WithField("command", command).Info("Executing command")

		result, err := runCommand(client, command)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return results, &ExecutionError{Host: host, Command: command, Err: err}
		}

		logOutput(log, result)
		results = append(results, result)
	}

	return results, nil
}

func (e *SSHExecutor) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	if strings.TrimSpace(target.Address) == "" {
		return nil, fmt.Errorf("ssh address is required")
	}
	if target.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	signer, err := ssh.ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: e.hostKeys,
		Timeout:         e.dialTimeout,
	}

	address := target.hostport()
	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if e.dialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(e.dialTimeout))
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(clientConn, chans, reqs), nil
}

// runCommand runs one command in its own session and drains both streams.
// The returned error is nil for a command that ran, whatever its exit status.
func runCommand(client *ssh.Client, command string) (CommandResult, error) {
	result := CommandResult{Command: command}

	session, err := client.NewSession()
	if err != nil {
		return result, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	case errors.As(err, &missingErr):
		// a dropped connection also ends the session without a status
		if _, _, keepaliveErr := client.SendRequest("keepalive@openssh.com", true, nil); keepaliveErr != nil {
			return result, keepaliveErr
		}
		result.ExitCode = -1
		return result, nil
	default:
		return result, err
	}
}

func logOutput(log *logrus.Entry, result CommandResult) {
	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	for scanner.Scan() {
		log.Info(strings.TrimSpace(scanner.Text()))
	}

	scanner = bufio.NewScanner(strings.NewReader(result.Stderr))
	for scanner.Scan() {
		log.Warnf("Err: %s", strings.TrimSpace(scanner.Text()))
	}

	if result.ExitCode != 0 {
		log.WithFields(logrus.Fields{
			"command":   result.Command,
			"exit_code": result.ExitCode,
		}).Warn("Command exited with nonzero status")
	}
}
