/*
Copyright 2020 GramLabs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package exec

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a tuning target over SSH.
type SSHConfig struct {
	// Address is the host:port of the target's SSH daemon.
	Address string `json:"address"`
	// Username for the SSH session.
	Username string `json:"username"`
	// PrivateKey is a PEM encoded key; takes precedence over Password.
	PrivateKey []byte `json:"privateKey,omitempty"`
	// Password for password authentication.
	Password string `json:"password,omitempty"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `json:"dialTimeout,omitempty"`
}

// SSH executes commands on a remote target. Each Run dials a fresh
// session so a half-dead connection never outlives a single command.
type SSH struct {
	cfg SSHConfig
}

var _ Executor = &SSH{}

func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("ssh: address is required")
	}
	if cfg.Username == "" {
		cfg.Username = "root"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if len(cfg.PrivateKey) == 0 && cfg.Password == "" {
		return nil, fmt.Errorf("ssh: private key or password is required")
	}
	return &SSH{cfg: cfg}, nil
}

func (s *SSH) Run(ctx context.Context, command string) (string, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", &Error{Kind: KindConnection, Cmd: command, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Closing the client tears the session down and unblocks Run.
		client.Close()
		<-done
		return "", &Error{Kind: KindTimeout, Cmd: command, Err: ctx.Err()}
	case err = <-done:
	}

	if err != nil {
		return stdout.String(), classifyRunError(command, stderr.String(), err)
	}
	return stdout.String(), nil
}

func (s *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if len(s.cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(s.cfg.PrivateKey)
		if err != nil {
			return nil, &Error{Kind: KindPermission, Err: fmt.Errorf("parse private key: %w", err)}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}

	timeout := s.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	client, err := ssh.Dial("tcp", s.cfg.Address, &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	})
	if err != nil {
		kind := KindConnection
		if strings.Contains(err.Error(), "unable to authenticate") {
			kind = KindPermission
		}
		return nil, &Error{Kind: kind, Err: err}
	}
	return client, nil
}

func classifyRunError(command, stderr string, err error) error {
	if exitErr, ok := err.(*ssh.ExitError); ok {
		kind := KindExit
		if permissionDenied(stderr) {
			kind = KindPermission
		}
		return &Error{Kind: kind, Cmd: command, ExitCode: exitErr.ExitStatus(), Stderr: stderr, Err: err}
	}
	return &Error{Kind: KindConnection, Cmd: command, Stderr: stderr, Err: err}
}

func permissionDenied(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "permission denied") || strings.Contains(s, "operation not permitted")
}
