package convert

import (
	"context"
	"fmt"

	"github.com/dunamismax/editflow/internal/domain"
)

const (
	CommandConvert = "convert"

	MessageProgress = "progress"
	MessageSuccess  = "success"
	MessageError    = "error"
)

// Command is a request sent across the worker boundary.
type Command struct {
	Type         string               `json:"type"`
	ID           string               `json:"id"`
	Blob         []byte               `json:"blob"`
	Filename     string               `json:"filename"`
	OriginalSize int64                `json:"originalSize"`
	Options      domain.ExportOptions `json:"options"`
	Edits        *domain.EditState    `json:"edits,omitempty"`
}

// Message is a reply sent back across the worker boundary. Every command
// receives zero or more progress messages followed by exactly one success or
// error message.
type Message struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id"`
	Progress int                    `json:"progress,omitempty"`
	Artifact *domain.ExportArtifact `json:"artifact,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Serve handles commands one at a time until commands is closed or ctx is
// done. It never closes out.
func (c *Converter) Serve(ctx context.Context, commands <-chan Command, out chan<- Message) error {
	for {
		var cmd Command
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok = <-commands:
			if !ok {
				return nil
			}
		}
		if err := c.handle(ctx, cmd, out); err != nil {
			return err
		}
	}
}

func (c *Converter) handle(ctx context.Context, cmd Command, out chan<- Message) error {
	send := func(msg Message) error {
		select {
		case out <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if cmd.Type != CommandConvert {
		return send(Message{Type: MessageError, ID: cmd.ID, Error: fmt.Sprintf("unknown command type %q", cmd.Type)})
	}

	var sendErr error
	artifact, err := c.Convert(ctx, Request{
		Blob:         cmd.Blob,
		Filename:     cmd.Filename,
		OriginalSize: cmd.OriginalSize,
		Edits:        cmd.Edits,
		Options:      cmd.Options,
	}, func(p int) {
		if sendErr == nil && p < ProgressDone {
			sendErr = send(Message{Type: MessageProgress, ID: cmd.ID, Progress: p})
		}
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return send(Message{Type: MessageError, ID: cmd.ID, Error: err.Error()})
	}
	return send(Message{Type: MessageSuccess, ID: cmd.ID, Progress: ProgressDone, Artifact: &artifact})
}
