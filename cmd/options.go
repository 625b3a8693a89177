package cmd

import (
	"github.com/sloonz/floe/archive"
	"github.com/sloonz/floe/destinations"
	"github.com/sloonz/floe/index"
	"github.com/sloonz/floe/lib"

	"fmt"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
)

type optionsBuilder struct {
	Options    *floe.Options
	Store      floe.BlobStore
	Index      floe.Index
	Archive    *archive.Archive
	Recipients []age.Recipient
	Identities []age.Identity
	Error      error
}

func newOptionsBuilder(options *floe.Options, err error) *optionsBuilder {
	return &optionsBuilder{Options: options, Error: err}
}

// Evaluate an archive option line, after the archive defaults of the
// configuration file
func archiveOptions(line string) (*floe.Options, error) {
	kvs := append(floe.SplitOptions(config.Archive), floe.SplitOptions(line)...)
	return floe.EvalOptions(kvs, presets)
}

func (o *optionsBuilder) WithStore() *optionsBuilder {
	if o.Error == nil {
		o.Store, o.Error = destinations.New(o.Options.StoreOptions())
	}
	return o
}

func (o *optionsBuilder) WithIndex() *optionsBuilder {
	if o.Error == nil {
		o.Index, o.Error = index.New(o.Options)
	}
	return o
}

func (o *optionsBuilder) WithArchive() *optionsBuilder {
	o.WithStringOption("SpoolDir").WithIndex().WithStore()
	if o.Error == nil {
		o.Archive, o.Error = archive.New(o.Index, o.Store, o.Options.SpoolDir())
	}
	return o
}

func (o *optionsBuilder) WithRecipients() *optionsBuilder {
	if o.Error == nil {
		o.Recipients, o.Error = floe.LoadRecipients(o.Options.KeySource())
	}
	return o
}

func (o *optionsBuilder) WithIdentities() *optionsBuilder {
	if o.Error == nil {
		o.Identities, o.Error = floe.LoadIdentities(o.Options.KeySource())
	}
	return o
}

func (o *optionsBuilder) WithStringOption(k string) *optionsBuilder {
	if o.Error == nil {
		v := o.Options.String[k]
		if v == "" {
			o.Error = fmt.Errorf("missing option: %s", k)
		}
	}
	return o
}

func (o *optionsBuilder) FatalOnError() *optionsBuilder {
	if o.Error != nil {
		if o.Archive != nil {
			o.Archive.Close()
		} else if o.Index != nil {
			o.Index.Close()
		}
		logrus.Fatal(o.Error)
	}
	return o
}
