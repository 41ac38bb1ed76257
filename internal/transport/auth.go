package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"sshlink/config"
	"sshlink/secrets"
	"sshlink/util"
)

// Prompter asks the user for a secret.  The answer is not echoed.
type Prompter func(prompt string) (string, error)

// TerminalPrompter reads secrets from the controlling terminal.
func TerminalPrompter(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading from terminal: %w", err)
	}
	return string(pass), nil
}

// BuildAuthMethods assembles an ordered list of SSH authentication
// methods for p from the secret store, the key file and the agent.
// The caller runs release once the handshake is over; it closes the
// agent connection, if one was opened.
//
// A failure to read the store is returned as-is; every other error
// means the profile has no usable credentials.
func BuildAuthMethods(ctx context.Context, p config.Profile, store secrets.Store, prompt Prompter) (methods []ssh.AuthMethod, release func(), err error) {
	name := p.SecretName()
	release = func() {}

	// 1. Private key (stored PEM wins over the key file)
	if p.UsesKeyAuth {
		m, err := publicKeyAuth(ctx, p, store, prompt)
		if err != nil {
			return nil, release, err
		}
		methods = append(methods, m)
	}

	// 2. Password, also offered through keyboard-interactive
	password, ok, err := lookup(ctx, store, secrets.PasswordKey(name))
	if err != nil {
		return nil, release, err
	}
	switch {
	case ok:
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(answerAll(password)))
	case !p.UsesKeyAuth && prompt != nil:
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return prompt(fmt.Sprintf("%s's password: ", p.Key()))
		}))
	}

	// 3. SSH agent and the usual key files
	if p.UseAgent {
		found, agentConn := defaultAuthMethods()
		methods = append(methods, found...)
		if agentConn != nil {
			release = func() { agentConn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, release, fmt.Errorf("no credentials for %s: store a password under %q or enable key auth",
			name, secrets.PasswordKey(name))
	}
	return methods, release, nil
}

// ── individual auth builders ─────────────────────────────────────────

func publicKeyAuth(ctx context.Context, p config.Profile, store secrets.Store, prompt Prompter) (ssh.AuthMethod, error) {
	name := p.SecretName()

	pemData, ok, err := lookup(ctx, store, secrets.PrivateKeyKey(name))
	if err != nil {
		return nil, err
	}
	data := []byte(pemData)
	source := "stored key " + secrets.PrivateKeyKey(name)
	if !ok {
		path, err := util.ExpandHome(p.KeyPath)
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("key auth enabled but no key is stored or configured")
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		source = path
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return ssh.PublicKeys(signer), nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}

	passphrase, ok, err := lookup(ctx, store, secrets.PassphraseKey(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		if prompt == nil {
			return nil, fmt.Errorf("%s is encrypted and no passphrase is stored under %q",
				source, secrets.PassphraseKey(name))
		}
		passphrase, err = prompt(fmt.Sprintf("Enter passphrase for %s: ", source))
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", source, err)
	}
	return ssh.PublicKeys(signer), nil
}

// agentAuth connects to the agent at SSH_AUTH_SOCK.  The connection
// must stay open until the handshake has finished signing.
func agentAuth() (ssh.AuthMethod, io.Closer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

// defaultAuthMethods tries the agent and the three most common
// unencrypted key files.  agentConn is nil when no agent answered.
func defaultAuthMethods() (out []ssh.AuthMethod, agentConn io.Closer) {
	if m, conn, err := agentAuth(); err == nil {
		out = append(out, m)
		agentConn = conn
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out, agentConn
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			out = append(out, ssh.PublicKeys(signer))
		}
	}
	return out, agentConn
}

// answerAll answers every keyboard-interactive question with secret.
func answerAll(secret string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = secret
		}
		return answers, nil
	}
}

// StoreError is a secret store that could not be read.  It says
// nothing about whether the credentials are good.
type StoreError struct {
	Key string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("secret store: reading %s: %v", e.Key, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func lookup(ctx context.Context, store secrets.Store, key string) (string, bool, error) {
	if store == nil {
		return "", false, nil
	}
	v, ok, err := store.Get(ctx, key)
	if err != nil {
		return "", false, &StoreError{Key: key, Err: err}
	}
	return v, ok, nil
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(p config.Profile) (ssh.HostKeyCallback, error) {
	if !p.StrictHostKey {
		//nolint:gosec // profile opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := p.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	khFile, err := util.ExpandHome(khFile)
	if err != nil {
		return nil, err
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
