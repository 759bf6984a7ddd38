package retry

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes a remote router reachable over SSH
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	KeyFile string
	Timeout time.Duration
}

// SSHExecutor runs commands on a remote router. The connection is dialed
// lazily and re-dialed after a failed session.
type SSHExecutor struct {
	config SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHExecutor creates an executor for the given remote host
func NewSSHExecutor(config SSHConfig) *SSHExecutor {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.User == "" {
		config.User = "root"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &SSHExecutor{config: config}
}

// Output runs the command in a fresh session
func (e *SSHExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	client, err := e.connect()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.reset()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	out, err := session.Output(shellJoin(name, args))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", name, err)
	}
	return out, nil
}

// Close drops the underlying connection
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSHExecutor) connect() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	key, err := os.ReadFile(e.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            e.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // routers regenerate host keys on reflash
		Timeout:         e.config.Timeout,
	}

	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	e.client = client
	return client, nil
}

func (e *SSHExecutor) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
}

// shellJoin quotes arguments for the remote shell
func shellJoin(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`;&|<>*?(){}[]!#~") {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}
