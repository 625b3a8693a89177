package destinations

import (
	"github.com/sloonz/floe/lib"

	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrProxyCommandMissing = errors.New("proxy destination: missing command")
	proxyLog               = logrus.WithFields(logrus.Fields{
		"destination": "proxy",
	})
)

type ListBlobsArgs struct {
	floe.Options
}

type RemoveBlobArgs struct {
	floe.Options
	Name string
}

type PutBlobArgs struct {
	floe.Options
	Name string
}

type GetBlobArgs struct {
	floe.Options
	Name   string
	Offset int64
	Length int64
}

// Blob store running in another floe process (typically over ssh), spoken
// to with net/rpc over a yamux session on the command stdin/stdout
type proxyDestination struct {
	options *floe.Options
	command []string
}

func newProxyDestination(options *floe.Options) (floe.BlobStore, error) {
	command := options.GetCommand("Command", nil)
	if len(command) == 0 {
		return nil, ErrProxyCommandMissing
	}

	return &proxyDestination{options: options, command: command}, nil
}

func (d *proxyDestination) ListBlobs() ([]string, error) {
	p, err := floe.OpenProxy(proxyLog, d.command)
	if err != nil {
		return nil, fmt.Errorf("Failed to open proxy session: %v", err)
	}
	defer p.Close() //nolint: errcheck

	var blobs []string
	err = p.RPC.Call("BlobStore.ListBlobs", &ListBlobsArgs{Options: floe.ProxiedOptions(d.options)}, &blobs)
	if err != nil {
		return nil, err
	}

	return blobs, p.Close()
}

func (d *proxyDestination) RemoveBlob(name string) error {
	p, err := floe.OpenProxy(proxyLog, d.command)
	if err != nil {
		return fmt.Errorf("Failed to open proxy session: %v", err)
	}
	defer p.Close() //nolint: errcheck

	return p.RPC.Call("BlobStore.RemoveBlob", &RemoveBlobArgs{Options: floe.ProxiedOptions(d.options), Name: name}, nil)
}

func (d *proxyDestination) PutBlob(name string, data io.Reader) error {
	p, err := floe.OpenProxy(proxyLog, d.command)
	if err != nil {
		return fmt.Errorf("Failed to open proxy session: %v", err)
	}
	defer p.Close() //nolint: errcheck

	call := p.RPC.Go("BlobStore.PutBlob", &PutBlobArgs{Options: floe.ProxiedOptions(d.options), Name: name}, nil, nil)

	if _, err := io.Copy(p.Data, data); err != nil {
		return err
	}

	if err := p.Data.Close(); err != nil {
		return err
	}

	<-call.Done

	return call.Error
}

func (d *proxyDestination) GetBlob(name string, offset, length int64) (io.ReadCloser, error) {
	p, err := floe.OpenProxy(proxyLog, d.command)
	if err != nil {
		return nil, fmt.Errorf("Failed to open proxy session: %v", err)
	}

	pr, pw := io.Pipe()
	args := &GetBlobArgs{Options: floe.ProxiedOptions(d.options), Name: name, Offset: offset, Length: length}
	call := p.RPC.Go("BlobStore.GetBlob", args, nil, nil)

	ch := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-call.Done
		ch <- call.Error
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if _, err := io.Copy(pw, p.Data); err != nil {
			ch <- err
			return
		}

		if err := p.Data.Close(); err != nil {
			ch <- err
			return
		}
	}()

	go func() {
		defer p.Close() //nolint: errcheck
		wg.Wait()
		close(ch)
		for err := range ch {
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	return pr, nil
}
