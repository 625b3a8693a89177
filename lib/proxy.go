package floe

import (
	"io"
	"net/rpc"
	"strings"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
)

type ReadWriteCloser struct {
	io.ReadCloser
	io.WriteCloser
}

func (rwc *ReadWriteCloser) Close() error {
	if err := rwc.ReadCloser.Close(); err != nil {
		_ = rwc.WriteCloser.Close()
		return err
	}
	return rwc.WriteCloser.Close()
}

// Connection to a `floe proxy` process: two yamux streams over its
// stdin/stdout, the first one carrying net/rpc calls and the second one the
// blob data of the current call
type ProxySession struct {
	session *yamux.Session
	RPC     *rpc.Client
	Data    *yamux.Stream
}

func OpenProxy(logger *logrus.Entry, command []string) (*ProxySession, error) {
	cmd := BuildCommand(command)
	cmd.Stdout = nil
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	err = StartCommand(logger, cmd)
	if err != nil {
		return nil, err
	}

	session, err := yamux.Client(&ReadWriteCloser{ReadCloser: stdout, WriteCloser: stdin}, nil)
	if err != nil {
		return nil, err
	}

	rpcStream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, err
	}

	dataStream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, err
	}

	return &ProxySession{session: session, RPC: rpc.NewClient(rpcStream), Data: dataStream}, nil
}

func (p *ProxySession) Close() error {
	err := p.RPC.Close()
	if err != nil {
		_ = p.session.Close()
		return err
	}
	return p.session.Close()
}

// Accept a proxy session on rwc and serve the RPC receiver built by
// newReceiver until the client closes it
func ServeProxy(rwc io.ReadWriteCloser, newReceiver func(data *yamux.Stream) interface{}) error {
	session, err := yamux.Server(rwc, nil)
	if err != nil {
		return err
	}
	defer session.Close()

	rpcStream, err := session.AcceptStream()
	if err != nil {
		return err
	}

	dataStream, err := session.AcceptStream()
	if err != nil {
		return err
	}

	server := rpc.NewServer()
	if err = server.Register(newReceiver(dataStream)); err != nil {
		return err
	}

	server.ServeConn(rpcStream)
	return nil
}

// Options forwarded to the proxied store: Proxy* keys lose their prefix,
// and the keys of the proxy itself are dropped
func ProxiedOptions(options *Options) Options {
	opts := Options{
		String:   make(map[string]string),
		StrSlice: make(map[string][]string),
	}

	local := func(k string) bool {
		return k == "Proxy" || k == "Command" || k == "Type"
	}

	for k, v := range options.String {
		if !local(k) {
			opts.String[strings.TrimPrefix(k, "Proxy")] = v
		}
	}

	for k, v := range options.StrSlice {
		if !local(k) {
			opts.StrSlice[strings.TrimPrefix(k, "Proxy")] = v
		}
	}

	return opts
}
