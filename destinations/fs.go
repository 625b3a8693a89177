package destinations

import (
	"github.com/sloonz/floe/lib"

	"errors"
	"io"
	"os"
	"path"

	"github.com/sirupsen/logrus"
)

var (
	ErrFSPath = errors.New("fs destination: missing path")
	fsLog     = logrus.WithFields(logrus.Fields{
		"destination": "fs",
	})
)

type fsDestination struct {
	options  *floe.Options
	basePath string
}

func newFSDestination(options *floe.Options) (floe.BlobStore, error) {
	basePath := options.String["Path"]
	if basePath == "" {
		return nil, ErrFSPath
	}

	err := os.MkdirAll(basePath, 0777)
	if err != nil {
		return nil, err
	}

	return &fsDestination{options: options, basePath: basePath}, nil
}

func (d *fsDestination) ListBlobs() ([]string, error) {
	var res []string
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !isBlobName(entry.Name()) || entry.IsDir() {
			continue
		}

		res = append(res, entry.Name())
	}

	return res, nil
}

func (d *fsDestination) RemoveBlob(name string) error {
	return os.Remove(path.Join(d.basePath, name))
}

func (d *fsDestination) PutBlob(name string, data io.Reader) error {
	tmpFilename := path.Join(d.basePath, "_tmp-"+name)
	finalFilename := path.Join(d.basePath, name)
	tmpF, err := os.Create(tmpFilename)
	if err != nil {
		return err
	}
	defer tmpF.Close()
	defer os.Remove(tmpFilename)

	fsLog.Debugf("writing blob to %s", tmpFilename)
	_, err = io.Copy(tmpF, data)
	if err != nil {
		return err
	}

	err = tmpF.Sync()
	if err != nil {
		return err
	}

	tmpF.Close()

	fsLog.Debugf("moving final blob to %s", finalFilename)
	return os.Rename(tmpFilename, finalFilename)
}

func (d *fsDestination) GetBlob(name string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(path.Join(d.basePath, name))
	if err != nil {
		return nil, err
	}

	_, err = f.Seek(offset, io.SeekStart)
	if err != nil {
		f.Close()
		return nil, err
	}

	return limitReadCloser(f, length), nil
}
