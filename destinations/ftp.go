package destinations

import (
	"github.com/sloonz/floe/lib"

	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/secsy/goftp"
	"github.com/sirupsen/logrus"
)

var (
	ftpLog = logrus.WithFields(logrus.Fields{
		"destination": "ftp",
	})
)

type ftpDestination struct {
	options *floe.Options
	prefix  string
	client  *goftp.Client
}

func newFTPDestination(options *floe.Options) (floe.BlobStore, error) {
	u, err := url.Parse(options.String["URL"])
	if err != nil {
		ftpLog.Warnf("cannot parse URL: %v", err)
		return nil, fmt.Errorf("invalid FTP URL: %v", err)
	}

	address := u.Host
	username := u.User.Username()
	password, _ := u.User.Password()
	prefix := strings.Trim(options.String["Prefix"], "/") + "/"
	if prefix == "/" {
		prefix = ""
	}

	config := goftp.Config{
		User:     username,
		Password: password,
	}

	client, err := goftp.DialConfig(config, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FTP server: %v", err)
	}

	return &ftpDestination{options: options, client: client, prefix: prefix}, nil
}

func (d *ftpDestination) makePrefix() error {
	var err error

	if d.prefix == "" {
		return nil
	}

	dirs := strings.Split(strings.Trim(d.prefix, "/"), "/")
	currentPath := ""

	for _, dir := range dirs {
		currentPath = path.Join(currentPath, dir)
		_, err = d.client.Mkdir(currentPath)
	}

	return err
}

func (d *ftpDestination) ListBlobs() ([]string, error) {
	var res []string

	_ = d.makePrefix()
	files, err := d.client.ReadDir(d.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs on FTP server: %v", err)
	}

	for _, file := range files {
		if file.IsDir() || !isBlobName(file.Name()) {
			continue
		}

		res = append(res, file.Name())
	}

	return res, nil
}

func (d *ftpDestination) RemoveBlob(name string) error {
	filePath := path.Join(d.prefix, name)
	if err := d.client.Delete(filePath); err != nil {
		return fmt.Errorf("failed to remove blob from FTP server: %v", err)
	}
	return nil
}

func (d *ftpDestination) PutBlob(name string, data io.Reader) error {
	tmpFilePath := path.Join(d.prefix, "_tmp-"+name)
	finalFilePath := path.Join(d.prefix, name)
	ftpLog.Debugf("writing blob to temporary file %s", tmpFilePath)

	_ = d.makePrefix()
	if err := d.client.Store(tmpFilePath, data); err != nil {
		return fmt.Errorf("failed to write temporary blob file to FTP server: %v", err)
	}

	ftpLog.Debugf("renaming temporary file %s to %s", tmpFilePath, finalFilePath)
	if err := d.client.Rename(tmpFilePath, finalFilePath); err != nil {
		_ = d.client.Delete(tmpFilePath)
		return fmt.Errorf("failed to rename temporary blob file on FTP server: %v", err)
	}

	return nil
}

// Transfers always start at the beginning of the file; the bytes before
// offset are read and dropped
func (d *ftpDestination) GetBlob(name string, offset, length int64) (io.ReadCloser, error) {
	filePath := path.Join(d.prefix, name)

	reader, writer := io.Pipe()
	go func() {
		defer writer.Close()
		if err := d.client.Retrieve(filePath, writer); err != nil {
			writer.CloseWithError(fmt.Errorf("failed to read blob from FTP server: %v", err))
		}
	}()

	if _, err := io.CopyN(io.Discard, reader, offset); err != nil {
		reader.Close()
		return nil, err
	}

	return limitReadCloser(reader, length), nil
}
