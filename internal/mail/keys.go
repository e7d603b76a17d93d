package mail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ao/litestack/internal/jobs"
)

const (
	keySubject  = "LiteStack: your private ssh key"
	keyTemplate = "ssh_key.html"
	keyFileName = "litestack"
)

// Submitter runs a job in the background
type Submitter interface {
	Submit(job *jobs.Job) error
}

// KeyPair is the generated credential to deliver
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// KeyDelivery mails newly generated keypairs to their owner
type KeyDelivery struct {
	sender  Sender
	jobs    Submitter
	tempDir string
	logger  *logrus.Logger
}

// NewKeyDelivery creates a key delivery. Key files are staged under tempDir.
func NewKeyDelivery(sender Sender, jobs Submitter, tempDir string, logger *logrus.Logger) *KeyDelivery {
	return &KeyDelivery{
		sender:  sender,
		jobs:    jobs,
		tempDir: tempDir,
		logger:  logger,
	}
}

// Deliver writes both key halves to a private temp directory and queues a
// mail carrying them. The files are removed once the send job finishes.
// Nothing is sent without a public address to connect to.
func (d *KeyDelivery) Deliver(email string, kp KeyPair, publicAddress, defaultUser string) error {
	if publicAddress == "" {
		return nil
	}

	if err := os.MkdirAll(d.tempDir, 0700); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	dir, err := os.MkdirTemp(d.tempDir, "keypair-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	privatePath := filepath.Join(dir, keyFileName)
	publicPath := filepath.Join(dir, keyFileName+".pub")
	if err := os.WriteFile(privatePath, []byte(kp.PrivateKey), 0600); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, []byte(kp.PublicKey), 0600); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to write public key: %w", err)
	}

	msg := Message{
		To:       email,
		Subject:  keySubject,
		Template: keyTemplate,
		Vars: map[string]any{
			"public_address": publicAddress,
			"default_user":   defaultUser,
		},
		Attachments: []Attachment{
			{Path: privatePath, Name: keyFileName},
			{Path: publicPath, Name: keyFileName + ".pub"},
		},
	}

	job := &jobs.Job{
		ID:   uuid.NewString(),
		Name: "mail",
		Run: func(ctx context.Context) error {
			defer os.RemoveAll(dir)
			return d.sender.Send(ctx, msg)
		},
	}

	if err := d.jobs.Submit(job); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to queue key mail: %w", err)
	}

	d.logger.WithField("to", email).Info("Queued keypair mail")
	return nil
}
