package carver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"espctl/pkg/bus"
	"espctl/pkg/espapi"
)

// TargetDir is where a carve downloaded at t from host is stored:
// <root>/<subdir>/<host>/<epoch seconds>.
func TargetDir(root, subdir, host string, t time.Time) string {
	return filepath.Join(root, subdir, host, strconv.FormatInt(t.Unix(), 10))
}

// Download stores the archive of a ready session as <target dir>/<session_id>.tar. The clock is
// read once, before the transfer starts.
func (p *Poller) Download(ctx context.Context, host string, session espapi.CarveSession) (Manifest, error) {
	if err := validateComponent("host identifier", host); err != nil {
		return Manifest{}, err
	}
	if err := validateComponent("session id", session.SessionID); err != nil {
		return Manifest{}, err
	}

	now := p.cfg.Now()
	dir := TargetDir(p.cfg.OutputRoot, p.cfg.Subdir, host, now)
	if err := ensureDir(dir); err != nil {
		return Manifest{}, err
	}

	body, err := p.cfg.API.DownloadCarve(ctx, session.SessionID)
	if err != nil {
		return Manifest{}, err
	}
	defer body.Close()

	archive := filepath.Join(dir, session.SessionID+".tar")
	file, err := os.Create(archive)
	if err != nil {
		return Manifest{}, fmt.Errorf("carver: create %s: %w", archive, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, h), body)
	if err != nil {
		file.Close()
		os.Remove(archive)
		return Manifest{}, fmt.Errorf("carver: write %s: %w", archive, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(archive)
		return Manifest{}, fmt.Errorf("carver: close %s: %w", archive, err)
	}

	p.cfg.Metrics.CarveDownloaded(n)
	p.cfg.Logger.WithFields(logrus.Fields{
		"host":       host,
		"session_id": session.SessionID,
		"path":       archive,
		"size":       humanize.Bytes(uint64(n)),
	}).Info("carve downloaded")

	return Manifest{
		Host:         host,
		QueryID:      session.QueryID,
		SessionID:    session.SessionID,
		Archive:      archive,
		ExtractDir:   filepath.Join(dir, session.SessionID),
		SHA256:       hex.EncodeToString(h.Sum(nil)),
		Size:         n,
		DownloadedAt: now.UTC(),
	}, nil
}

// finalize runs the optional sinks. Failures are logged and never abort the carve.
func (p *Poller) finalize(ctx context.Context, m *Manifest) {
	log := p.cfg.Logger.WithFields(logrus.Fields{"host": m.Host, "session_id": m.SessionID})

	if p.cfg.Sealer != nil {
		sealed, err := p.cfg.Sealer.Seal(m.Archive)
		if err != nil {
			log.WithError(err).Warn("seal carve archive")
		} else {
			m.Sealed = &sealed
			log.WithField("path", sealed.Path).Info("carve archive sealed")
		}
	}

	if p.cfg.Mirror != nil {
		if err := p.mirror(ctx, m); err != nil {
			log.WithError(err).Warn("mirror carve archive")
		}
	}

	if path, err := WriteManifest(filepath.Dir(m.Archive), *m); err != nil {
		log.WithError(err).Warn("write carve manifest")
	} else {
		log.WithField("path", path).Debug("carve manifest written")
	}

	if p.cfg.Publisher != nil {
		if err := p.cfg.Publisher.Publish(ctx, bus.SubjectCarveDownloaded, m); err != nil {
			log.WithError(err).Warn("publish carve event")
		}
	}

	if p.cfg.Recorder != nil {
		if err := p.cfg.Recorder.RecordCarve(ctx, p.cfg.RunID, *m); err != nil {
			log.WithError(err).Warn("record carve")
		}
	}
}

func (p *Poller) mirror(ctx context.Context, m *Manifest) error {
	path, sum, size := m.StoredFile()
	key := strings.Join([]string{
		"carves", m.Host, strconv.FormatInt(m.DownloadedAt.Unix(), 10), filepath.Base(path),
	}, "/")

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	if err := p.cfg.Mirror.PutObject(ctx, p.cfg.Bucket, key, file, size, sum); err != nil {
		return err
	}
	m.MirrorURL = "s3://" + p.cfg.Bucket + "/" + key

	url, err := p.cfg.Mirror.PresignGet(ctx, p.cfg.Bucket, key, presignTTL)
	if err != nil {
		return err
	}
	p.cfg.Logger.WithFields(logrus.Fields{"key": key, "url": url}).Info("carve archive mirrored")
	return nil
}

// validateComponent rejects values that would escape their directory when used as a path element.
func validateComponent(what, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return fmt.Errorf("carver: %s is required", what)
	case v == "." || v == "..":
		return fmt.Errorf("carver: invalid %s %q", what, v)
	case strings.ContainsAny(v, `/\`) || strings.ContainsRune(v, 0):
		return fmt.Errorf("carver: invalid %s %q", what, v)
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("carver: mkdir %s: %w", dir, err)
	}
	return nil
}
