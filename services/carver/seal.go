package carver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// SealedFile is an age-encrypted copy of a carve archive.
type SealedFile struct {
	Path       string   `yaml:"path" json:"path"`
	SHA256     string   `yaml:"sha256" json:"sha256"`
	Size       int64    `yaml:"size" json:"size"`
	Recipients []string `yaml:"recipients" json:"recipients"`
}

// Sealer encrypts archives at rest for one or more age X25519 recipients.
type Sealer struct {
	recipients []age.Recipient
	names      []string
}

// NewSealer parses age1... recipient strings.
func NewSealer(recipients ...string) (*Sealer, error) {
	s := &Sealer{}
	for _, raw := range recipients {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		s.recipients = append(s.recipients, r)
		s.names = append(s.names, r.String())
	}
	if len(s.recipients) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	return s, nil
}

// Seal writes path+".age" and removes the plaintext file once the ciphertext is complete.
func (s *Sealer) Seal(path string) (SealedFile, error) {
	in, err := os.Open(path)
	if err != nil {
		return SealedFile{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()

	outPath := path + ".age"
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return SealedFile{}, fmt.Errorf("create %s: %w", outPath, err)
	}

	h := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, h)}
	enc, err := age.Encrypt(counter, s.recipients...)
	if err != nil {
		out.Close()
		os.Remove(outPath)
		return SealedFile{}, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		out.Close()
		os.Remove(outPath)
		return SealedFile{}, fmt.Errorf("encrypt %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return SealedFile{}, fmt.Errorf("finish encryption: %w", err)
	}
	if err := out.Close(); err != nil {
		return SealedFile{}, fmt.Errorf("close %s: %w", outPath, err)
	}

	in.Close()
	if err := os.Remove(path); err != nil {
		return SealedFile{}, fmt.Errorf("remove plaintext %s: %w", path, err)
	}

	return SealedFile{
		Path:       outPath,
		SHA256:     hex.EncodeToString(h.Sum(nil)),
		Size:       counter.n,
		Recipients: append([]string(nil), s.names...),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
