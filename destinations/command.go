package destinations

import (
	"github.com/sloonz/floe/lib"

	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gobuffalo/flect"
	"github.com/sirupsen/logrus"
)

var (
	ErrCommandMissing = errors.New("command destination: missing command")
	commandLog        = logrus.WithFields(logrus.Fields{
		"destination": "command",
	})
)

// Blob store backed by an external program, called as:
//
//	<command> blob validate-options
//	<command> blob list
//	<command> blob put <name>                  (data on stdin)
//	<command> blob get <name> <offset> <length> (data on stdout)
//	<command> blob remove <name>
//
// Options are passed in the FLOE_OPT_* and FLOE_SOPT_* environment
// variables.
type commandDestination struct {
	options *floe.Options
	command string
	env     []string
}

func newCommandDestination(options *floe.Options) (floe.BlobStore, error) {
	command := options.String["Command"]
	if command == "" {
		return nil, ErrCommandMissing
	}

	env := os.Environ()
	for k, v := range options.String {
		env = append(env, fmt.Sprintf("FLOE_OPT_%s=%s", flect.New(k).Underscore().ToUpper().String(), v))
	}
	for k, v := range options.StrSlice {
		jsonVal, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env = append(env, fmt.Sprintf("FLOE_SOPT_%s=%s", flect.New(k).Underscore().ToUpper().String(), string(jsonVal)))
	}

	d := &commandDestination{options: options, command: command, env: env}
	cmd := d.cmd("validate-options")
	cmd.Stdout = os.Stderr
	err := cmd.Run()
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *commandDestination) cmd(args ...string) *exec.Cmd {
	cmd := exec.Command(d.command, append([]string{"blob"}, args...)...)
	cmd.Stderr = os.Stderr
	cmd.Env = d.env
	return cmd
}

func (d *commandDestination) ListBlobs() ([]string, error) {
	var res []string

	buf := bytes.NewBuffer(nil)
	cmd := d.cmd("list")
	cmd.Stdout = buf
	err := cmd.Run()
	if err != nil {
		return nil, err
	}

	for {
		line, err := buf.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			if isBlobName(line) {
				res = append(res, line)
			} else {
				commandLog.WithFields(logrus.Fields{
					"entry": line,
				}).Warnf("invalid blob name")
			}
		}

		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (d *commandDestination) RemoveBlob(name string) error {
	cmd := d.cmd("remove", name)
	cmd.Stdout = os.Stderr
	return cmd.Run()
}

func (d *commandDestination) PutBlob(name string, data io.Reader) error {
	cmd := d.cmd("put", name)
	cmd.Stdin = data
	cmd.Stdout = os.Stderr
	return cmd.Run()
}

func (d *commandDestination) GetBlob(name string, offset, length int64) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	cmd := d.cmd("get", name, fmt.Sprint(offset), fmt.Sprint(length))
	cmd.Stdout = pw

	commandLog.Printf("running: %v", cmd.String())
	err := cmd.Start()
	if err != nil {
		return nil, err
	}

	go func() {
		pw.CloseWithError(cmd.Wait())
	}()

	return pr, nil
}
