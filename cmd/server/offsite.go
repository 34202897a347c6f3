package main

import (
	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/persistence/offsite"
	"tilesync.dev/internal/sim/tuning"
)

type snapshotMirror interface {
	Enqueue(localPath string)
}

// openMirror returns nil when no offsite endpoint is configured.
func openMirror(t tuning.Tuning, logger logrus.FieldLogger) (*offsite.Mirror, error) {
	if !t.Offsite.Enabled() {
		return nil, nil
	}
	client, err := offsite.New(offsite.Config{
		Endpoint:        t.Offsite.Endpoint,
		Region:          t.Offsite.Region,
		Bucket:          t.Offsite.Bucket,
		AccessKeyID:     t.Offsite.AccessKeyID,
		SecretAccessKey: t.Offsite.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return offsite.NewMirror(client, t.Persist.DataDir, offsite.MirrorOptions{
		Prefix:        t.Offsite.Prefix,
		Workers:       t.Offsite.Workers,
		QueueCapacity: t.Offsite.QueueCapacity,
		Log:           logger,
	}), nil
}

// mirrorOrNil keeps a nil *Mirror from becoming a non-nil interface.
func mirrorOrNil(m *offsite.Mirror) snapshotMirror {
	if m == nil {
		return nil
	}
	return m
}
