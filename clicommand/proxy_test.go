package clicommand

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"

	"github.com/sshpod/sshpod/kubeexec"
	"github.com/sshpod/sshpod/logger"
	"github.com/sshpod/sshpod/probe"
	"github.com/sshpod/sshpod/provision"
	"github.com/sshpod/sshpod/relay"
	"github.com/sshpod/sshpod/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// fakeCluster emulates the remote side of every exec session the proxy
// pipeline opens, all the way to a real SSH daemon: the inetd attach is
// bridged to an in-process SSH server that authenticates against whatever
// key the provisioning steps installed.
type fakeCluster struct {
	probeOutput string

	mu         sync.Mutex
	installs   int
	keys       []string
	sshdCrash  int // number of daemon attaches that should fail
	sshdServes int
}

func (c *fakeCluster) handler(hostSigner gossh.Signer) kubeexec.HandlerFunc {
	return func(spec kubeexec.ExecSpec, stdin io.Reader, stdout io.WriteCloser) error {
		script := spec.Command[2]
		switch {
		case strings.Contains(script, "uname -m"):
			fmt.Fprint(stdout, c.probeOutput)
			return nil

		case strings.Contains(script, `mkdir "$1/lock"`):
			return nil

		case strings.Contains(script, "tar -xf"):
			io.Copy(io.Discard, stdin)
			c.mu.Lock()
			c.installs++
			c.mu.Unlock()
			return nil

		case strings.Contains(script, "authorized_keys"):
			c.mu.Lock()
			c.keys = append(c.keys, spec.Command[5])
			c.mu.Unlock()
			return nil

		case strings.Contains(script, `"$1/bundle/sshd" -i`):
			c.mu.Lock()
			if c.sshdCrash > 0 {
				c.sshdCrash--
				c.mu.Unlock()
				return errors.New("sshd: exec format error")
			}
			c.sshdServes++
			keys := append([]string(nil), c.keys...)
			c.mu.Unlock()
			return c.serveSSH(hostSigner, keys, stdin, stdout)
		}
		return fmt.Errorf("unexpected exec script: %q", script)
	}
}

func (c *fakeCluster) serveSSH(hostSigner gossh.Signer, authorizedKeys []string, stdin io.Reader, stdout io.WriteCloser) error {
	server := &gliderssh.Server{
		Handler: func(s gliderssh.Session) {
			fmt.Fprintf(s, "shell for %s in web-1\n", s.User())
		},
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			for _, line := range authorizedKeys {
				allowed, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
				if err == nil && gliderssh.KeysEqual(key, allowed) {
					return true
				}
			}
			return false
		},
	}
	server.AddHostKey(hostSigner)

	serverSide, bridgeSide := net.Pipe()
	go server.HandleConn(serverSide)
	go io.Copy(bridgeSide, stdin)
	io.Copy(stdout, bridgeSide)
	return nil
}

const freshProbeOutput = "arch=x86_64\ntar=yes\nxz=yes\ngzip=yes\ninstalled=no\nrunning=no\nuid=0\nuser=root\n"

func testFake(cluster *fakeCluster, hostSigner gossh.Signer) *kubeexec.Fake {
	return &kubeexec.Fake{
		Namespace: "default",
		Pods: map[string]kubeexec.PodInfo{
			"prod/web-1": {
				Name: "web-1", Namespace: "prod", UID: "uid-1",
				Containers: []string{"app"}, Running: true, Ready: true,
			},
		},
		Handler: cluster.handler(hostSigner),
	}
}

func testKeys(t *testing.T) (clientSigner, hostSigner gossh.Signer, authorizedKey string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientSigner, err = gossh.NewSignerFromKey(priv)
	require.NoError(t, err)
	sshPub, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	authorizedKey = strings.TrimSpace(string(gossh.MarshalAuthorizedKey(sshPub))) + " sshpod"

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err = gossh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)
	return clientSigner, hostSigner, authorizedKey
}

func testSource(t *testing.T) provision.Source {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write([]byte("tar-ish payload"))
	require.NoError(t, err)
	require.NoError(t, xw.Close())
	return memorySource{data: buf.Bytes()}
}

type memorySource struct{ data []byte }

func (s memorySource) Open(arch probe.Arch) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type streamConn struct {
	io.Reader
	io.WriteCloser
}

func (streamConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (streamConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (streamConn) SetDeadline(t time.Time) error      { return nil }
func (streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (streamConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "exec" }
func (fakeAddr) String() string  { return "exec" }

func parseTarget(t *testing.T, host, user string) *target.Target {
	t.Helper()
	tgt, err := target.Parse(host, user, 22)
	require.NoError(t, err)
	return tgt
}

// TestRunProxyEndToEnd drives a complete connection: resolve, probe,
// provision, daemon attach, then an SSH handshake with public key auth and
// a command over the relayed stream.
func TestRunProxyEndToEnd(t *testing.T) {
	t.Parallel()

	clientSigner, hostSigner, authorizedKey := testKeys(t)
	cluster := &fakeCluster{probeOutput: freshProbeOutput}
	fake := testFake(cluster, hostSigner)

	localInR, localInW := io.Pipe()
	localOutR, localOutW := io.Pipe()

	tgt := parseTarget(t, "pod--web-1.namespace--prod.context--staging.sshpod", "root")
	src := testSource(t)
	proxyDone := make(chan error, 1)
	go func() {
		proxyDone <- runProxy(context.Background(),
			ProxyConfig{Host: "pod--web-1.namespace--prod.context--staging.sshpod"},
			logger.Discard, tgt, fake, src, authorizedKey,
			relay.Endpoint{Reader: localInR, Writer: localOutW},
		)
	}()

	clientConf := &gossh.ClientConfig{
		User:            "root",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(clientSigner)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	nc := streamConn{Reader: localOutR, WriteCloser: localInW}
	cc, chans, reqs, err := gossh.NewClientConn(nc, "exec", clientConf)
	require.NoError(t, err, "handshake through the proxy must succeed")
	client := gossh.NewClient(cc, chans, reqs)

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("hostname")
	require.NoError(t, err)
	assert.Equal(t, "shell for root in web-1\n", string(out))
	sess.Close()
	client.Close()

	select {
	case err := <-proxyDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not terminate after the client hung up")
	}

	assert.Equal(t, 1, cluster.installs, "a fresh container gets exactly one bundle install")
	assert.Equal(t, []string{authorizedKey}, cluster.keys)
}

func TestRunProxyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	_, hostSigner, authorizedKey := testKeys(t)
	intruderSigner, _, _ := testKeys(t)
	cluster := &fakeCluster{probeOutput: freshProbeOutput}
	fake := testFake(cluster, hostSigner)

	localInR, localInW := io.Pipe()
	localOutR, localOutW := io.Pipe()

	tgt := parseTarget(t, "pod--web-1.namespace--prod.context--staging.sshpod", "root")
	src := testSource(t)
	go runProxy(context.Background(),
		ProxyConfig{Host: "pod--web-1.namespace--prod.context--staging.sshpod"},
		logger.Discard, tgt, fake, src, authorizedKey,
		relay.Endpoint{Reader: localInR, Writer: localOutW},
	)

	clientConf := &gossh.ClientConfig{
		User:            "root",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(intruderSigner)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	nc := streamConn{Reader: localOutR, WriteCloser: localInW}
	_, _, _, err := gossh.NewClientConn(nc, "exec", clientConf)
	require.Error(t, err, "a key that was never provisioned must not authenticate")
}

func TestRunProxyReprovisionsOnceAfterDaemonCrash(t *testing.T) {
	t.Parallel()

	clientSigner, hostSigner, authorizedKey := testKeys(t)
	cluster := &fakeCluster{
		// Installed at the current version, but the daemon binary is
		// broken: the first attach crashes.
		probeOutput: fmt.Sprintf("arch=x86_64\ntar=yes\nxz=yes\ngzip=yes\ninstalled=yes\nversion=%s\nbundlearch=amd64\nrunning=no\nuid=0\nuser=root\n",
			provision.BundleVersion()),
		sshdCrash: 1,
	}
	fake := testFake(cluster, hostSigner)

	localInR, localInW := io.Pipe()
	localOutR, localOutW := io.Pipe()

	tgt := parseTarget(t, "pod--web-1.namespace--prod.context--staging.sshpod", "root")
	src := testSource(t)
	proxyDone := make(chan error, 1)
	go func() {
		proxyDone <- runProxy(context.Background(),
			ProxyConfig{Host: "pod--web-1.namespace--prod.context--staging.sshpod", ConnectAttempts: 1},
			logger.Discard, tgt, fake, src, authorizedKey,
			relay.Endpoint{Reader: localInR, Writer: localOutW},
		)
	}()

	clientConf := &gossh.ClientConfig{
		User:            "root",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(clientSigner)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	nc := streamConn{Reader: localOutR, WriteCloser: localInW}
	cc, chans, reqs, err := gossh.NewClientConn(nc, "exec", clientConf)
	require.NoError(t, err, "the rebuilt install must serve the connection")
	gossh.NewClient(cc, chans, reqs).Close()

	select {
	case err := <-proxyDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not terminate")
	}

	assert.Equal(t, 1, cluster.installs, "the crashed install is rebuilt exactly once")
	assert.Equal(t, 1, cluster.sshdServes)
}

func TestRunProxyStopsOnPipelineErrors(t *testing.T) {
	t.Parallel()

	_, hostSigner, authorizedKey := testKeys(t)

	tests := []struct {
		name     string
		mutate   func(f *kubeexec.Fake, c *fakeCluster)
		host     string
		user     string
		wantCode int
	}{
		{
			name: "no ready pod behind deployment",
			mutate: func(f *kubeexec.Fake, c *fakeCluster) {
				f.Backing = map[string][]kubeexec.PodInfo{
					"deployment/prod/api": {{Name: "api-1", Namespace: "prod", Running: true, Ready: false}},
				}
			},
			host:     "deployment--api.namespace--prod.context--staging.sshpod",
			user:     "root",
			wantCode: ExitCodeNoReadyPod,
		},
		{
			name: "unsupported architecture",
			mutate: func(f *kubeexec.Fake, c *fakeCluster) {
				c.probeOutput = "arch=s390x\ntar=yes\nxz=yes\ngzip=yes\ninstalled=no\nrunning=no\nuid=0\nuser=root\n"
			},
			host:     "pod--web-1.namespace--prod.context--staging.sshpod",
			user:     "root",
			wantCode: ExitCodeUnsupportedArch,
		},
		{
			name: "user switch without root",
			mutate: func(f *kubeexec.Fake, c *fakeCluster) {
				c.probeOutput = "arch=x86_64\ntar=yes\nxz=yes\ngzip=yes\ninstalled=no\nrunning=no\nuid=1000\nuser=app\n"
			},
			host:     "pod--web-1.namespace--prod.context--staging.sshpod",
			user:     "root",
			wantCode: ExitCodeGeneric,
		},
		{
			name: "cluster unreachable during probe",
			mutate: func(f *kubeexec.Fake, c *fakeCluster) {
				f.OpenErr = &kubeexec.TransportError{Err: errors.New("dial tcp: connection refused")}
			},
			host:     "pod--web-1.namespace--prod.context--staging.sshpod",
			user:     "root",
			wantCode: ExitCodeTransportUnavailable,
		},
		{
			name: "no tar in container",
			mutate: func(f *kubeexec.Fake, c *fakeCluster) {
				c.probeOutput = "arch=x86_64\ntar=no\nxz=yes\ngzip=yes\ninstalled=no\nrunning=no\nuid=0\nuser=root\n"
			},
			host:     "pod--web-1.namespace--prod.context--staging.sshpod",
			user:     "root",
			wantCode: ExitCodeProvisioningFailed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cluster := &fakeCluster{probeOutput: freshProbeOutput}
			fake := testFake(cluster, hostSigner)
			test.mutate(fake, cluster)

			err := runProxy(context.Background(),
				ProxyConfig{Host: test.host},
				logger.Discard,
				parseTarget(t, test.host, test.user),
				fake, testSource(t), authorizedKey,
				relay.Endpoint{Reader: strings.NewReader(""), Writer: io.Discard},
			)
			require.Error(t, err)
			assert.Equal(t, test.wantCode, exitCodeFor(err))
		})
	}
}
